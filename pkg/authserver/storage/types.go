// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage persists the state mcp-remote-auth shares across requests:
// pending authorizations, upstream credential records and sessions.
package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// DefaultPendingAuthorizationTTL bounds how long a user has to finish the upstream login.
const DefaultPendingAuthorizationTTL = 10 * time.Minute

var (
	// ErrNotFound is returned when the requested entry does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrExpired is returned when the entry exists but is past its lifetime.
	ErrExpired = errors.New("storage: expired")

	// ErrInvalidArgument is returned for empty keys or nil values.
	ErrInvalidArgument = errors.New("storage: invalid argument")

	// ErrConflict is returned when an atomic update kept losing to concurrent writers.
	ErrConflict = errors.New("storage: concurrent update conflict")
)

// PendingAuthorization is created when a user is sent to the upstream authorize
// endpoint and consumed exactly once by the callback.
type PendingAuthorization struct {
	// State is the random nonce sent upstream as the OAuth state parameter.
	State string

	// ClientRedirectURI is where the user goes once a session token is issued.
	ClientRedirectURI string

	// ClientState is the caller's own state value, echoed back on redirect.
	ClientState string

	// PKCEVerifier is the code_verifier for the upstream exchange.
	PKCEVerifier string

	// Scopes requested upstream.
	Scopes []string

	CreatedAt time.Time
}

func (p *PendingAuthorization) clone() *PendingAuthorization {
	c := *p
	c.Scopes = slices.Clone(p.Scopes)
	return &c
}

// CredentialRecord is the upstream credential held for one (provider, subject) pair.
type CredentialRecord struct {
	// Provider identifies the upstream provider preset.
	Provider string

	// Subject is the user identity reported by the upstream provider.
	Subject string

	// RefreshToken is the long-lived upstream secret. For providers whose access
	// tokens do not expire it holds the access token.
	RefreshToken string

	// Scopes granted upstream.
	Scopes []string

	// LastValidated is when the upstream last accepted this credential.
	LastValidated time.Time
}

// Key returns the storage key of the record.
func (r *CredentialRecord) Key() string {
	return CredentialKey(r.Provider, r.Subject)
}

// Clone returns a deep copy.
func (r *CredentialRecord) Clone() *CredentialRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Scopes = slices.Clone(r.Scopes)
	return &c
}

// CredentialKey builds the record key for a provider and subject.
// The length prefix keeps keys unambiguous when either part contains colons.
func CredentialKey(provider, subject string) string {
	return fmt.Sprintf("%d:%s:%s", len(provider), provider, subject)
}

// Session links an issued session token to its credential record.
type Session struct {
	ID        string
	Provider  string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// PendingAuthorizationStorage stores in-flight authorization attempts.
type PendingAuthorizationStorage interface {
	// StorePendingAuthorization saves p under p.State for DefaultPendingAuthorizationTTL.
	StorePendingAuthorization(ctx context.Context, p *PendingAuthorization) error

	// ConsumePendingAuthorization atomically loads and deletes the entry for state.
	// Of several concurrent callers for the same state, at most one succeeds.
	ConsumePendingAuthorization(ctx context.Context, state string) (*PendingAuthorization, error)
}

// CredentialStorage stores upstream credential records.
type CredentialStorage interface {
	// PutCredential creates or replaces the record for (rec.Provider, rec.Subject).
	PutCredential(ctx context.Context, rec *CredentialRecord) error

	GetCredential(ctx context.Context, provider, subject string) (*CredentialRecord, error)

	// UpdateCredential applies fn to the current record as one atomic
	// read-modify-write. Nothing is written when fn returns an error.
	UpdateCredential(ctx context.Context, provider, subject string, fn func(*CredentialRecord) error) (*CredentialRecord, error)

	DeleteCredential(ctx context.Context, provider, subject string) error
}

// SessionStorage stores issued sessions.
type SessionStorage interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Storage is the full persistence contract.
type Storage interface {
	PendingAuthorizationStorage
	CredentialStorage
	SessionStorage

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	Close() error
}

func validateCredential(rec *CredentialRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: credential record is nil", ErrInvalidArgument)
	}
	if rec.Provider == "" || rec.Subject == "" {
		return fmt.Errorf("%w: credential record needs provider and subject", ErrInvalidArgument)
	}
	return nil
}

func validateSession(s *Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("%w: session needs an id", ErrInvalidArgument)
	}
	if s.ExpiresAt.IsZero() || !s.ExpiresAt.After(time.Now()) {
		return fmt.Errorf("%w: session expiry must be in the future", ErrInvalidArgument)
	}
	return nil
}
