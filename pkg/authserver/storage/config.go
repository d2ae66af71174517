// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"time"
)

// Type selects a storage backend.
type Type string

const (
	// TypeMemory keeps state in process. Suitable for a single replica.
	TypeMemory Type = "memory"

	// TypeRedis keeps state in Redis (standalone, cluster or Sentinel).
	TypeRedis Type = "redis"

	// DefaultCleanupInterval is how often the memory backend drops expired entries.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultKeyPrefix namespaces Redis keys.
	DefaultKeyPrefix = "mra:"
)

// Config selects and configures the backend.
type Config struct {
	Type  Type
	Redis RedisConfig
}

// New builds the configured backend.
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Type {
	case "", TypeMemory:
		return NewMemoryStorage(), nil
	case TypeRedis:
		return NewRedisStorage(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
