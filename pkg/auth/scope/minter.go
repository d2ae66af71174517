// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package scope

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/mcp-remote-auth/pkg/authserver/storage"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/upstream"
	"github.com/stacklok/mcp-remote-auth/pkg/logger"
)

// mintExpiryBuffer is how long before expiry a cached access token is dropped.
const mintExpiryBuffer = 10 * time.Second

// unknownExpiryTTL bounds how long a token minted without an expiry is cached.
const unknownExpiryTTL = 5 * time.Minute

// sweepThreshold is the cache size above which expired entries are swept on insert.
const sweepThreshold = 1024

// Rotator persists a refresh token rotated by the upstream.
type Rotator interface {
	RotateRefreshToken(ctx context.Context, provider, subject, refreshToken string) error
}

type cachedToken struct {
	token *oauth2.Token
	// expiresAt is the token expiry, or the insertion time plus
	// unknownExpiryTTL when the upstream did not report one.
	expiresAt time.Time
	// sources are the refresh tokens this access token is valid for: the one
	// it was minted from and, after rotation, the replacement.
	sources [2]string
}

// Minter turns stored credentials into access tokens. It is safe for concurrent use.
type Minter struct {
	provider upstream.Provider
	rotator  Rotator
	now      func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cachedToken
}

var _ TokenSource = (*Minter)(nil)

// NewMinter returns a Minter refreshing through provider and persisting rotations through rotator.
func NewMinter(provider upstream.Provider, rotator Rotator) *Minter {
	return &Minter{
		provider: provider,
		rotator:  rotator,
		now:      time.Now,
		cache:    make(map[string]cachedToken),
	}
}

// Token implements TokenSource.
func (m *Minter) Token(ctx context.Context, rec *storage.CredentialRecord) (*oauth2.Token, error) {
	if rec == nil || rec.RefreshToken == "" {
		return nil, upstream.ErrMissingCredential
	}

	// The stored secret is the access token itself.
	if !m.provider.RefreshesAccessTokens() {
		return &oauth2.Token{AccessToken: rec.RefreshToken, TokenType: "Bearer"}, nil
	}

	key := rec.Key()
	if tok := m.cached(key, rec.RefreshToken); tok != nil {
		return tok, nil
	}

	// One refresh per record and refresh token. The shared call must not be
	// cancelled by whichever caller happened to start it.
	sharedCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key+"\x00"+rec.RefreshToken, func() (any, error) {
		if tok := m.cached(key, rec.RefreshToken); tok != nil {
			return tok, nil
		}
		return m.refresh(sharedCtx, rec)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		tok := *res.Val.(*oauth2.Token)
		return &tok, nil
	}
}

func (m *Minter) refresh(ctx context.Context, rec *storage.CredentialRecord) (*oauth2.Token, error) {
	tokens, err := m.provider.RefreshTokens(ctx, rec.RefreshToken)
	if err != nil {
		if errors.Is(err, upstream.ErrInvalidGrant) {
			m.Forget(rec.Key())
			logger.Warnw("upstream rejected stored refresh token",
				"provider", rec.Provider, "subject", rec.Subject)
		}
		return nil, err
	}

	current := rec.RefreshToken
	if tokens.RefreshToken != "" && tokens.RefreshToken != rec.RefreshToken {
		if err := m.rotator.RotateRefreshToken(ctx, rec.Provider, rec.Subject, tokens.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to persist rotated refresh token: %w", err)
		}
		current = tokens.RefreshToken
	}

	tok := tokens.OAuth2Token()
	tok.RefreshToken = ""

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cache) >= sweepThreshold {
		m.sweepLocked()
	}
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = m.now().Add(unknownExpiryTTL)
	}
	m.cache[rec.Key()] = cachedToken{token: tok, expiresAt: expiresAt, sources: [2]string{rec.RefreshToken, current}}
	return tok, nil
}

func (m *Minter) cached(key, refreshToken string) *oauth2.Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.cache[key]
	if !ok {
		return nil
	}
	if entry.sources[0] != refreshToken && entry.sources[1] != refreshToken {
		return nil
	}
	if m.expired(entry) {
		delete(m.cache, key)
		return nil
	}
	tok := *entry.token
	return &tok
}

func (m *Minter) expired(entry cachedToken) bool {
	return m.now().Add(mintExpiryBuffer).After(entry.expiresAt)
}

func (m *Minter) sweepLocked() {
	for k, v := range m.cache {
		if m.expired(v) {
			delete(m.cache, k)
		}
	}
}

// Forget drops the cached access token for a credential record key.
func (m *Minter) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, key)
}
