// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/stacklok/mcp-remote-auth/pkg/logger"
)

// lockStripes is the number of per-subject mutexes; records hash onto them.
const lockStripes = 64

// timedEntry wraps a value with its expiry for TTL tracking.
type timedEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStorage implements Storage with in-process maps.
//
// mu guards the maps themselves. Read-modify-write on a credential record also
// holds the record's stripe lock, so updates for one subject are serialized
// without blocking other subjects.
type MemoryStorage struct {
	mu sync.RWMutex

	pending     map[string]*timedEntry[*PendingAuthorization]
	credentials map[string]*CredentialRecord
	sessions    map[string]*timedEntry[*Session]

	stripes [lockStripes]sync.Mutex

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStorage creates a MemoryStorage and starts its cleanup goroutine.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		pending:         make(map[string]*timedEntry[*PendingAuthorization]),
		credentials:     make(map[string]*CredentialRecord),
		sessions:        make(map[string]*timedEntry[*Session]),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()
	return s
}

// Health is always nil for the memory backend.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine and waits for it.
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

func (s *MemoryStorage) cleanupExpired() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var pending, sessions int
	for k, v := range s.pending {
		if v.expired(now) {
			delete(s.pending, k)
			pending++
		}
	}
	for k, v := range s.sessions {
		if v.expired(now) {
			delete(s.sessions, k)
			sessions++
		}
	}
	if pending+sessions > 0 {
		logger.Debugw("removed expired entries", "pending_authorizations", pending, "sessions", sessions)
	}
}

func (s *MemoryStorage) stripe(key string) *sync.Mutex {
	return &s.stripes[xxhash.Sum64String(key)%lockStripes]
}

// -----------------------
// Pending authorizations
// -----------------------

// StorePendingAuthorization implements PendingAuthorizationStorage.
func (s *MemoryStorage) StorePendingAuthorization(_ context.Context, p *PendingAuthorization) error {
	if p == nil || p.State == "" {
		return fmt.Errorf("%w: pending authorization needs a state", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[p.State] = &timedEntry[*PendingAuthorization]{
		value:     p.clone(),
		expiresAt: time.Now().Add(DefaultPendingAuthorizationTTL),
	}
	return nil
}

// ConsumePendingAuthorization implements PendingAuthorizationStorage.
// An expired entry is removed and reported as ErrExpired.
func (s *MemoryStorage) ConsumePendingAuthorization(_ context.Context, state string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pending[state]
	if !ok {
		return nil, fmt.Errorf("%w: pending authorization", ErrNotFound)
	}
	delete(s.pending, state)

	if entry.expired(time.Now()) {
		return nil, fmt.Errorf("%w: pending authorization", ErrExpired)
	}
	return entry.value.clone(), nil
}

// -----------------------
// Credential records
// -----------------------

// PutCredential implements CredentialStorage.
func (s *MemoryStorage) PutCredential(_ context.Context, rec *CredentialRecord) error {
	if err := validateCredential(rec); err != nil {
		return err
	}
	key := rec.Key()

	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	s.credentials[key] = rec.Clone()
	s.mu.Unlock()
	return nil
}

// GetCredential implements CredentialStorage.
func (s *MemoryStorage) GetCredential(_ context.Context, provider, subject string) (*CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.credentials[CredentialKey(provider, subject)]
	if !ok {
		return nil, fmt.Errorf("%w: credential record", ErrNotFound)
	}
	return rec.Clone(), nil
}

// UpdateCredential implements CredentialStorage.
func (s *MemoryStorage) UpdateCredential(
	_ context.Context, provider, subject string, fn func(*CredentialRecord) error,
) (*CredentialRecord, error) {
	key := CredentialKey(provider, subject)

	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, ok := s.credentials[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: credential record", ErrNotFound)
	}

	updated := current.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	// The key is fixed by the arguments, whatever fn did to the copy.
	updated.Provider, updated.Subject = provider, subject

	s.mu.Lock()
	s.credentials[key] = updated
	s.mu.Unlock()
	return updated.Clone(), nil
}

// DeleteCredential implements CredentialStorage.
func (s *MemoryStorage) DeleteCredential(_ context.Context, provider, subject string) error {
	key := CredentialKey(provider, subject)

	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.credentials[key]; !ok {
		return fmt.Errorf("%w: credential record", ErrNotFound)
	}
	delete(s.credentials, key)
	return nil
}

// -----------------------
// Sessions
// -----------------------

// CreateSession implements SessionStorage.
func (s *MemoryStorage) CreateSession(_ context.Context, sess *Session) error {
	if err := validateSession(sess); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *sess
	s.sessions[sess.ID] = &timedEntry[*Session]{value: &c, expiresAt: sess.ExpiresAt}
	return nil
}

// GetSession implements SessionStorage.
func (s *MemoryStorage) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session", ErrNotFound)
	}
	if entry.expired(time.Now()) {
		return nil, fmt.Errorf("%w: session", ErrExpired)
	}
	c := *entry.value
	return &c, nil
}

// DeleteSession implements SessionStorage.
func (s *MemoryStorage) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: session", ErrNotFound)
	}
	delete(s.sessions, id)
	return nil
}
