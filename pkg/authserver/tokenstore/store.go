// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stacklok/mcp-remote-auth/pkg/authserver/storage"
	"github.com/stacklok/mcp-remote-auth/pkg/logger"
)

const (
	// MinSecretLength is the shortest accepted signing secret, in bytes.
	MinSecretLength = 32

	// DefaultLifetime is how long an issued Session Token stays valid.
	DefaultLifetime = 365 * 24 * time.Hour

	// DefaultIssuer is the iss claim of issued tokens.
	DefaultIssuer = "mcp-remote-auth"

	// DefaultMaxAttempts bounds storage calls, including the first attempt.
	DefaultMaxAttempts = 3
)

var (
	// ErrVerification means the token is malformed, forged or tampered with.
	ErrVerification = errors.New("session token failed verification")

	// ErrNotFound means the token verified but its session or credential
	// record is unknown or revoked.
	ErrNotFound = errors.New("session not found")

	// ErrExpired means the token verified but is past its lifetime.
	ErrExpired = errors.New("session expired")
)

// Claims are the Session Token claims. The registered ID (jti) is the session id.
type Claims struct {
	Provider string `json:"provider"`
	jwt.RegisteredClaims
}

// IssuedToken is the result of Issue.
type IssuedToken struct {
	Token     string
	SessionID string
	ExpiresAt time.Time
}

// ExpiresIn returns the remaining lifetime, rounded to whole seconds.
func (t *IssuedToken) ExpiresIn() time.Duration {
	d := time.Until(t.ExpiresAt).Round(time.Second)
	return max(d, 0)
}

// Store is the TokenStore. It is safe for concurrent use.
type Store struct {
	storage     storage.Storage
	secret      []byte
	lifetime    time.Duration
	issuer      string
	maxAttempts uint
	retryDelay  time.Duration
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLifetime sets the Session Token lifetime.
func WithLifetime(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lifetime = d
		}
	}
}

// WithIssuer sets the iss claim.
func WithIssuer(issuer string) Option {
	return func(s *Store) {
		if issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithRetry sets the attempt bound and initial delay for storage calls.
func WithRetry(maxAttempts uint, initialDelay time.Duration) Option {
	return func(s *Store) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		s.retryDelay = initialDelay
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns a Store signing with secret and persisting to stor.
func New(stor storage.Storage, secret []byte, opts ...Option) (*Store, error) {
	if stor == nil {
		return nil, errors.New("storage is required")
	}
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}

	s := &Store{
		storage:     stor,
		secret:      append([]byte(nil), secret...),
		lifetime:    DefaultLifetime,
		issuer:      DefaultIssuer,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  50 * time.Millisecond,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Lifetime returns the configured Session Token lifetime.
func (s *Store) Lifetime() time.Duration {
	return s.lifetime
}

// Issue upserts rec as the live credential record for its (provider, subject)
// pair and returns a new Session Token bound to it.
func (s *Store) Issue(ctx context.Context, rec *storage.CredentialRecord) (*IssuedToken, error) {
	if rec == nil || rec.Provider == "" || rec.Subject == "" || rec.RefreshToken == "" {
		return nil, errors.New("credential record needs provider, subject and a credential")
	}

	now := s.now().UTC().Truncate(time.Second)
	stored := rec.Clone()
	if stored.LastValidated.IsZero() {
		stored.LastValidated = now
	}

	if _, err := retry(ctx, s, "put_credential", func() (struct{}, error) {
		return struct{}{}, s.storage.PutCredential(ctx, stored)
	}); err != nil {
		return nil, fmt.Errorf("failed to store credential record: %w", err)
	}

	sess := &storage.Session{
		ID:        uuid.NewString(),
		Provider:  stored.Provider,
		Subject:   stored.Subject,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.lifetime),
	}
	if _, err := retry(ctx, s, "create_session", func() (struct{}, error) {
		return struct{}{}, s.storage.CreateSession(ctx, sess)
	}); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	token, err := s.sign(sess)
	if err != nil {
		return nil, err
	}

	logger.Infow("issued session token",
		"provider", sess.Provider,
		"subject", sess.Subject,
		"session_id", sess.ID,
		"expires_at", sess.ExpiresAt.Format(time.RFC3339),
	)
	return &IssuedToken{Token: token, SessionID: sess.ID, ExpiresAt: sess.ExpiresAt}, nil
}

// Verify checks the token signature and lifetime without touching storage.
func (s *Store) Verify(token string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithStrictDecoding(),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrVerification, err)
	}
	if claims.ID == "" || claims.Subject == "" || claims.Provider == "" {
		return nil, fmt.Errorf("%w: missing required claims", ErrVerification)
	}
	return claims, nil
}

// Resolve returns the credential record a Session Token refers to.
func (s *Store) Resolve(ctx context.Context, token string) (*storage.CredentialRecord, error) {
	claims, err := s.Verify(token)
	if err != nil {
		return nil, err
	}

	sess, err := retry(ctx, s, "get_session", func() (*storage.Session, error) {
		return s.storage.GetSession(ctx, claims.ID)
	})
	if err != nil {
		return nil, mapStorageError(err)
	}
	if sess.Provider != claims.Provider || sess.Subject != claims.Subject {
		return nil, fmt.Errorf("%w: session does not match token claims", ErrNotFound)
	}

	rec, err := retry(ctx, s, "get_credential", func() (*storage.CredentialRecord, error) {
		return s.storage.GetCredential(ctx, sess.Provider, sess.Subject)
	})
	if err != nil {
		return nil, mapStorageError(err)
	}
	return rec, nil
}

// RotateRefreshToken replaces the stored long-lived credential for
// (provider, subject) in one atomic read-modify-write.
func (s *Store) RotateRefreshToken(ctx context.Context, provider, subject, refreshToken string) error {
	if refreshToken == "" {
		return errors.New("refresh token is required")
	}

	_, err := retry(ctx, s, "rotate_refresh_token", func() (*storage.CredentialRecord, error) {
		return s.storage.UpdateCredential(ctx, provider, subject, func(rec *storage.CredentialRecord) error {
			rec.RefreshToken = refreshToken
			rec.LastValidated = s.now().UTC().Truncate(time.Second)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to rotate refresh token: %w", mapStorageError(err))
	}

	logger.Debugw("rotated upstream refresh token", "provider", provider, "subject", subject)
	return nil
}

// Revoke deletes the session behind a Session Token. It returns ErrNotFound
// when the session was already gone.
func (s *Store) Revoke(ctx context.Context, token string) error {
	claims, err := s.Verify(token)
	if err != nil {
		return err
	}

	if _, err := retry(ctx, s, "delete_session", func() (struct{}, error) {
		return struct{}{}, s.storage.DeleteSession(ctx, claims.ID)
	}); err != nil {
		return mapStorageError(err)
	}

	logger.Infow("revoked session", "provider", claims.Provider, "subject", claims.Subject, "session_id", claims.ID)
	return nil
}

func (s *Store) sign(sess *storage.Session) (string, error) {
	claims := Claims{
		Provider: sess.Provider,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   sess.Subject,
			ID:        sess.ID,
			IssuedAt:  jwt.NewNumericDate(sess.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return token, nil
}

// retry runs op with exponential backoff. Missing entries and invalid
// arguments end the loop immediately.
func retry[T any](ctx context.Context, s *Store, name string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryDelay
	b.MaxInterval = 10 * s.retryDelay

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && isPermanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.maxAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debugw("retrying storage call", "operation", name, "error", err, "delay", d)
		}),
	)
}

func isPermanent(err error) bool {
	return errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, storage.ErrExpired) ||
		errors.Is(err, storage.ErrInvalidArgument) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func mapStorageError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, storage.ErrExpired):
		return fmt.Errorf("%w: %w", ErrExpired, err)
	default:
		return err
	}
}
