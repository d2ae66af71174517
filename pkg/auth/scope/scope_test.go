// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package scope

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/mcp-remote-auth/pkg/authserver/storage"
)

type fakeClient struct {
	token string
}

type otherClient struct{}

// echoTokens mints an access token derived from the stored secret.
type echoTokens struct{}

func (echoTokens) Token(_ context.Context, rec *storage.CredentialRecord) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "at-" + rec.RefreshToken}, nil
}

type failingTokens struct{ err error }

func (f failingTokens) Token(context.Context, *storage.CredentialRecord) (*oauth2.Token, error) {
	return nil, f.err
}

func newFakeClient(_ context.Context, tok *oauth2.Token) (*fakeClient, error) {
	return &fakeClient{token: tok.AccessToken}, nil
}

func record(subject string) *storage.CredentialRecord {
	return &storage.CredentialRecord{Provider: "google-calendar", Subject: subject, RefreshToken: "rt-" + subject}
}

func TestCurrent_Unbound(t *testing.T) {
	t.Parallel()

	c, err := Current[*fakeClient](context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)
	assert.Nil(t, c)
	assert.Equal(t, "no credential bound for this request", err.Error())

	_, ok := Subject[*fakeClient](context.Background())
	assert.False(t, ok)
}

func TestBind_CurrentAndRelease(t *testing.T) {
	t.Parallel()
	b := NewBinder(echoTokens{}, newFakeClient)

	ctx, release, err := b.Bind(context.Background(), record("alice"))
	require.NoError(t, err)

	c, err := Current[*fakeClient](ctx)
	require.NoError(t, err)
	assert.Equal(t, "at-rt-alice", c.token)

	subject, ok := Subject[*fakeClient](ctx)
	assert.True(t, ok)
	assert.Equal(t, "alice", subject)

	derived, cancel := context.WithCancel(ctx)
	defer cancel()

	release()

	_, err = Current[*fakeClient](ctx)
	assert.ErrorIs(t, err, ErrNoCredential)
	_, err = Current[*fakeClient](derived)
	assert.ErrorIs(t, err, ErrNoCredential, "derived contexts lose the client too")
	_, ok = Subject[*fakeClient](ctx)
	assert.False(t, ok)

	release()
}

func TestBind_ClientTypesDoNotCollide(t *testing.T) {
	t.Parallel()
	b := NewBinder(echoTokens{}, newFakeClient)

	ctx, release, err := b.Bind(context.Background(), record("alice"))
	require.NoError(t, err)
	defer release()

	_, err = Current[*otherClient](ctx)
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestBind_Errors(t *testing.T) {
	t.Parallel()

	mintErr := errors.New("upstream down")
	_, _, err := NewBinder(failingTokens{err: mintErr}, newFakeClient).Bind(context.Background(), record("alice"))
	assert.ErrorIs(t, err, mintErr)

	factoryErr := errors.New("bad token")
	b := NewBinder(echoTokens{}, func(context.Context, *oauth2.Token) (*fakeClient, error) {
		return nil, factoryErr
	})
	_, _, err = b.Bind(context.Background(), record("alice"))
	assert.ErrorIs(t, err, factoryErr)

	_, _, err = NewBinder(echoTokens{}, newFakeClient).Bind(context.Background(), nil)
	assert.Error(t, err)
}

func TestBind_ConcurrentRequestsAreIsolated(t *testing.T) {
	t.Parallel()
	b := NewBinder(echoTokens{}, newFakeClient)
	access := CurrentAccessor[*fakeClient]()

	const requests = 64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			subject := fmt.Sprintf("user-%d", i)

			<-start
			ctx, release, err := b.Bind(context.Background(), record(subject))
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			for range 50 {
				c, err := access(ctx)
				if !assert.NoError(t, err) {
					return
				}
				if !assert.Equal(t, "at-rt-"+subject, c.token) {
					return
				}
				runtime.Gosched()
			}
		}()
	}
	close(start)
	wg.Wait()
}

func TestHTTPContextFunc(t *testing.T) {
	t.Parallel()
	b := NewBinder(echoTokens{}, newFakeClient)
	carry := HTTPContextFunc[*fakeClient]()

	boundCtx, release, err := b.Bind(context.Background(), record("alice"))
	require.NoError(t, err)
	defer release()

	r := httptest.NewRequest("POST", "/mcp", nil).WithContext(boundCtx)
	ctx := carry(context.Background(), r)
	c, err := Current[*fakeClient](ctx)
	require.NoError(t, err)
	assert.Equal(t, "at-rt-alice", c.token)

	unbound := httptest.NewRequest("POST", "/mcp", nil)
	ctx = carry(context.Background(), unbound)
	_, err = Current[*fakeClient](ctx)
	assert.ErrorIs(t, err, ErrNoCredential)
}
