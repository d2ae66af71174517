// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package scope binds a per-request upstream API client into the request
// context and hands it to tool code through an injected accessor.
//
// A binding lives only as long as the request that created it. Releasing it
// makes Current fail for every context derived from the bound one, so a
// client can never leak into work that outlives its request.
package scope

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	"github.com/stacklok/mcp-remote-auth/pkg/authserver/storage"
)

// ErrNoCredential is returned by Current when no client is bound. Seeing it
// means tool code ran on a path that skipped credential verification.
var ErrNoCredential = errors.New("no credential bound for this request")

// TokenSource mints an upstream access token for a credential record.
type TokenSource interface {
	Token(ctx context.Context, rec *storage.CredentialRecord) (*oauth2.Token, error)
}

// ClientFactory builds the concrete upstream client from an access token.
type ClientFactory[C any] func(ctx context.Context, token *oauth2.Token) (C, error)

// Accessor returns the client bound to ctx. Tools receive one at
// registration instead of reaching for package state.
type Accessor[C any] func(ctx context.Context) (C, error)

// contextKey is distinct per client type.
type contextKey[C any] struct{}

type binding[C any] struct {
	mu       sync.RWMutex
	client   C
	subject  string
	released bool
}

func (b *binding[C]) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero C
	b.client = zero
	b.released = true
}

// Binder binds clients of type C.
type Binder[C any] struct {
	tokens    TokenSource
	newClient ClientFactory[C]
}

// NewBinder returns a Binder minting tokens from tokens and building clients with newClient.
func NewBinder[C any](tokens TokenSource, newClient ClientFactory[C]) *Binder[C] {
	return &Binder[C]{tokens: tokens, newClient: newClient}
}

// Bind mints an access token for rec, builds the client and installs it in
// the returned context. The caller must call release when the request ends,
// normally with defer.
func (b *Binder[C]) Bind(ctx context.Context, rec *storage.CredentialRecord) (context.Context, func(), error) {
	if rec == nil {
		return nil, nil, errors.New("credential record is required")
	}

	tok, err := b.tokens.Token(ctx, rec)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to mint upstream access token: %w", err)
	}
	client, err := b.newClient(ctx, tok)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build upstream client: %w", err)
	}

	bnd := &binding[C]{client: client, subject: rec.Subject}
	return context.WithValue(ctx, contextKey[C]{}, bnd), bnd.release, nil
}

// Current returns the client bound to ctx.
func Current[C any](ctx context.Context) (C, error) {
	var zero C
	bnd, ok := ctx.Value(contextKey[C]{}).(*binding[C])
	if !ok || bnd == nil {
		return zero, ErrNoCredential
	}

	bnd.mu.RLock()
	defer bnd.mu.RUnlock()
	if bnd.released {
		return zero, ErrNoCredential
	}
	return bnd.client, nil
}

// Subject returns the subject whose client is bound to ctx.
func Subject[C any](ctx context.Context) (string, bool) {
	bnd, ok := ctx.Value(contextKey[C]{}).(*binding[C])
	if !ok || bnd == nil {
		return "", false
	}
	bnd.mu.RLock()
	defer bnd.mu.RUnlock()
	return bnd.subject, !bnd.released
}

// CurrentAccessor returns Current as an Accessor.
func CurrentAccessor[C any]() Accessor[C] {
	return Current[C]
}

// HTTPContextFunc carries the binding of the inbound request into a context
// built by the protocol engine.
func HTTPContextFunc[C any]() func(ctx context.Context, r *http.Request) context.Context {
	return func(ctx context.Context, r *http.Request) context.Context {
		if _, ok := ctx.Value(contextKey[C]{}).(*binding[C]); ok {
			return ctx
		}
		if bnd, ok := r.Context().Value(contextKey[C]{}).(*binding[C]); ok {
			return context.WithValue(ctx, contextKey[C]{}, bnd)
		}
		return ctx
	}
}
