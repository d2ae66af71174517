// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/mcp-remote-auth/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// maxTxAttempts bounds optimistic-lock retries in UpdateCredential.
const maxTxAttempts = 8

// Key types used in Redis key construction.
const (
	KeyTypePending    = "pending"
	KeyTypeCredential = "cred"
	KeyTypeSession    = "session"
)

// RedisConfig holds Redis connection settings. Setting MasterName selects
// Sentinel failover; more than one address without it selects cluster mode.
type RedisConfig struct {
	Addrs      []string
	MasterName string
	Username   string
	Password   string
	DB         int

	// KeyPrefix namespaces every key, e.g. "mra:gcal:".
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStorage implements Storage on top of a redis.UniversalClient so several
// gateway replicas can share state.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("invalid redis configuration: at least one address is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Infow("connected to redis storage", "addrs", cfg.Addrs, "sentinel", cfg.MasterName != "")
	return NewRedisStorageWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStorageWithClient wraps an existing client. Tests pass a miniredis-backed client.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{client: client, keyPrefix: keyPrefix}
}

func redisKey(prefix, keyType, id string) string {
	return prefix + keyType + ":" + id
}

// Health pings Redis.
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// -----------------------
// Pending authorizations
// -----------------------

type storedPendingAuthorization struct {
	State             string   `json:"state"`
	ClientRedirectURI string   `json:"client_redirect_uri"`
	ClientState       string   `json:"client_state,omitempty"`
	PKCEVerifier      string   `json:"pkce_verifier,omitempty"`
	Scopes            []string `json:"scopes,omitempty"`
	CreatedAt         int64    `json:"created_at"`
}

// StorePendingAuthorization implements PendingAuthorizationStorage.
func (s *RedisStorage) StorePendingAuthorization(ctx context.Context, p *PendingAuthorization) error {
	if p == nil || p.State == "" {
		return fmt.Errorf("%w: pending authorization needs a state", ErrInvalidArgument)
	}

	data, err := json.Marshal(storedPendingAuthorization{
		State:             p.State,
		ClientRedirectURI: p.ClientRedirectURI,
		ClientState:       p.ClientState,
		PKCEVerifier:      p.PKCEVerifier,
		Scopes:            slices.Clone(p.Scopes),
		CreatedAt:         p.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal pending authorization: %w", err)
	}

	key := redisKey(s.keyPrefix, KeyTypePending, p.State)
	return s.client.Set(ctx, key, data, DefaultPendingAuthorizationTTL).Err()
}

// ConsumePendingAuthorization implements PendingAuthorizationStorage with GETDEL,
// so concurrent callbacks for one state see exactly one winner.
func (s *RedisStorage) ConsumePendingAuthorization(ctx context.Context, state string) (*PendingAuthorization, error) {
	key := redisKey(s.keyPrefix, KeyTypePending, state)

	data, err := s.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: pending authorization", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume pending authorization: %w", err)
	}

	var stored storedPendingAuthorization
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}

	createdAt := time.Unix(stored.CreatedAt, 0).UTC()
	// TTL should handle this; check anyway in case the key was written without one.
	if time.Since(createdAt) > DefaultPendingAuthorizationTTL {
		return nil, fmt.Errorf("%w: pending authorization", ErrExpired)
	}

	return &PendingAuthorization{
		State:             stored.State,
		ClientRedirectURI: stored.ClientRedirectURI,
		ClientState:       stored.ClientState,
		PKCEVerifier:      stored.PKCEVerifier,
		Scopes:            stored.Scopes,
		CreatedAt:         createdAt,
	}, nil
}

// -----------------------
// Credential records
// -----------------------

type storedCredential struct {
	Provider      string   `json:"provider"`
	Subject       string   `json:"subject"`
	RefreshToken  string   `json:"refresh_token"`
	Scopes        []string `json:"scopes,omitempty"`
	LastValidated int64    `json:"last_validated"`
}

func marshalCredential(rec *CredentialRecord) ([]byte, error) {
	return json.Marshal(storedCredential{
		Provider:      rec.Provider,
		Subject:       rec.Subject,
		RefreshToken:  rec.RefreshToken,
		Scopes:        slices.Clone(rec.Scopes),
		LastValidated: rec.LastValidated.Unix(),
	})
}

func unmarshalCredential(data []byte) (*CredentialRecord, error) {
	var stored storedCredential
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential record: %w", err)
	}
	return &CredentialRecord{
		Provider:      stored.Provider,
		Subject:       stored.Subject,
		RefreshToken:  stored.RefreshToken,
		Scopes:        stored.Scopes,
		LastValidated: time.Unix(stored.LastValidated, 0).UTC(),
	}, nil
}

// PutCredential implements CredentialStorage.
func (s *RedisStorage) PutCredential(ctx context.Context, rec *CredentialRecord) error {
	if err := validateCredential(rec); err != nil {
		return err
	}
	data, err := marshalCredential(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal credential record: %w", err)
	}
	return s.client.Set(ctx, redisKey(s.keyPrefix, KeyTypeCredential, rec.Key()), data, 0).Err()
}

// GetCredential implements CredentialStorage.
func (s *RedisStorage) GetCredential(ctx context.Context, provider, subject string) (*CredentialRecord, error) {
	key := redisKey(s.keyPrefix, KeyTypeCredential, CredentialKey(provider, subject))

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: credential record", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get credential record: %w", err)
	}
	return unmarshalCredential(data)
}

// UpdateCredential implements CredentialStorage with WATCH/MULTI. A write that
// races with another writer is retried against the fresh value.
func (s *RedisStorage) UpdateCredential(
	ctx context.Context, provider, subject string, fn func(*CredentialRecord) error,
) (*CredentialRecord, error) {
	key := redisKey(s.keyPrefix, KeyTypeCredential, CredentialKey(provider, subject))

	var updated *CredentialRecord
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: credential record", ErrNotFound)
			}
			return fmt.Errorf("failed to get credential record: %w", err)
		}

		rec, err := unmarshalCredential(data)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		rec.Provider, rec.Subject = provider, subject

		out, err := marshalCredential(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal credential record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err == nil {
			updated = rec
		}
		return err
	}

	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		logger.Debugw("credential update lost optimistic lock, retrying", "attempt", attempt)
	}
	return nil, fmt.Errorf("%w: credential record for provider %s", ErrConflict, provider)
}

// DeleteCredential implements CredentialStorage.
func (s *RedisStorage) DeleteCredential(ctx context.Context, provider, subject string) error {
	key := redisKey(s.keyPrefix, KeyTypeCredential, CredentialKey(provider, subject))

	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to delete credential record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: credential record", ErrNotFound)
	}
	return nil
}

// -----------------------
// Sessions
// -----------------------

type storedSession struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	Subject   string `json:"subject"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// CreateSession implements SessionStorage. The key expires with the session.
func (s *RedisStorage) CreateSession(ctx context.Context, sess *Session) error {
	if err := validateSession(sess); err != nil {
		return err
	}
	data, err := json.Marshal(storedSession{
		ID:        sess.ID,
		Provider:  sess.Provider,
		Subject:   sess.Subject,
		IssuedAt:  sess.IssuedAt.Unix(),
		ExpiresAt: sess.ExpiresAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return s.client.Set(ctx, redisKey(s.keyPrefix, KeyTypeSession, sess.ID), data, time.Until(sess.ExpiresAt)).Err()
}

// GetSession implements SessionStorage.
func (s *RedisStorage) GetSession(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, redisKey(s.keyPrefix, KeyTypeSession, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: session", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	sess := &Session{
		ID:        stored.ID,
		Provider:  stored.Provider,
		Subject:   stored.Subject,
		IssuedAt:  time.Unix(stored.IssuedAt, 0).UTC(),
		ExpiresAt: time.Unix(stored.ExpiresAt, 0).UTC(),
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, fmt.Errorf("%w: session", ErrExpired)
	}
	return sess, nil
}

// DeleteSession implements SessionStorage.
func (s *RedisStorage) DeleteSession(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, redisKey(s.keyPrefix, KeyTypeSession, id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session", ErrNotFound)
	}
	return nil
}
