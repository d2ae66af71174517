// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-core/logging"

	"github.com/stacklok/mcp-remote-auth/pkg/authserver/storage"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/tokenstore"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/upstream"
	"github.com/stacklok/mcp-remote-auth/pkg/logger"
	"github.com/stacklok/mcp-remote-auth/pkg/networking"
)

func callback(env *testEnv, query string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.handler.CallbackHandler(rec, httptest.NewRequest(http.MethodGet, "/oauth/callback?"+query, nil))
	return rec
}

func TestCallbackHandler_UpstreamError(t *testing.T) {
	t.Parallel()
	env := handlerTestSetup(t)

	rec := callback(env, "error=access_denied")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errorResponse{Error: "upstream_oauth_error", Detail: "access_denied"}, decodeError(t, rec))
	assert.Equal(t, 0, env.upstream.exchangeCalls)
}

func TestCallbackHandler_UpstreamErrorConsumesState(t *testing.T) {
	t.Parallel()
	env := handlerTestSetup(t)
	state := env.storePending(t, testClientRedir, "")

	rec := callback(env, "error=access_denied&code=ignored&state="+url.QueryEscape(state))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "upstream_oauth_error", decodeError(t, rec).Error)

	// The nonce is gone, so a follow-up with a code cannot use it.
	rec = callback(env, "code=abc&state="+url.QueryEscape(state))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "state_mismatch", decodeError(t, rec).Error)
}

func TestCallbackHandler_MissingParams(t *testing.T) {
	t.Parallel()
	env := handlerTestSetup(t)

	for _, q := range []string{"", "code=abc", "state=xyz", "code=&state="} {
		rec := callback(env, q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Equal(t, "missing_params", decodeError(t, rec).Error, q)
	}
	assert.Equal(t, 0, env.upstream.exchangeCalls)
}

func TestCallbackHandler_UnknownState(t *testing.T) {
	t.Parallel()
	env := handlerTestSetup(t)

	rec := callback(env, "code=abc&state=forged")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "state_mismatch", decodeError(t, rec).Error)
	assert.Equal(t, 0, env.upstream.exchangeCalls)
}

func TestCallbackHandler_Success(t *testing.T) {
	t.Parallel()
	env := handlerTestSetup(t)
	state := env.storePending(t, testClientRedir+"?keep=1", "client-state")

	rec := callback(env, "code=upstream-code&state="+url.QueryEscape(state))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "client.example.com", location.Host)
	assert.Equal(t, "/cb", location.Path)

	q := location.Query()
	assert.Equal(t, "1", q.Get("keep"))
	assert.Equal(t, "client-state", q.Get("state"))
	assert.Equal(t, "Bearer", q.Get("token_type"))
	expiresIn, err := strconv.Atoi(q.Get("expires_in"))
	require.NoError(t, err)
	assert.InDelta(t, tokenstore.DefaultLifetime.Seconds(), float64(expiresIn), 5)

	assert.Equal(t, "upstream-code", env.upstream.capturedCode)
	assert.Equal(t, "verifier-0123456789012345678901234567890123456789", env.upstream.capturedVerifer)

	rec2, err := env.tokens.Resolve(context.Background(), q.Get("access_token"))
	require.NoError(t, err)
	assert.Equal(t, testProviderID, rec2.Provider)
	assert.Equal(t, "ada@example.com", rec2.Subject)
	assert.Equal(t, "upstream-rt", rec2.RefreshToken)
	assert.Equal(t, []string{"calendar"}, rec2.Scopes)
}

func TestCallbackHandler_LogsIssuanceOnce(t *testing.T) { //nolint:paralleltest // swaps the process logger
	var buf bytes.Buffer
	prev := logger.Get()
	logger.Set(logging.New(logging.WithOutput(&buf), logging.WithLevel(slog.LevelDebug)))
	t.Cleanup(func() { logger.Set(prev) })

	env := handlerTestSetup(t)
	state := env.storePending(t, testClientRedir, "client-state")

	rec := callback(env, "code=upstream-code&state="+url.QueryEscape(state))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, 1, strings.Count(buf.String(), "issued session token"), buf.String())
	assert.NotContains(t, buf.String(), "upstream-code")
	assert.NotContains(t, buf.String(), "upstream-rt")
}

func TestCallbackHandler_OmitsEmptyClientState(t *testing.T) {
	t.Parallel()
	env := handlerTestSetup(t)
	state := env.storePending(t, testClientRedir, "")

	rec := callback(env, "code=c&state="+url.QueryEscape(state))

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.False(t, location.Query().Has("state"))
}

func TestCallbackHandler_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		setup      func(*mockIDPProvider)
		wantDetail string
	}{
		{
			name:       "network failure",
			setup:      func(m *mockIDPProvider) { m.exchangeErr = errors.New("dial tcp 10.0.0.1:443: connection refused") },
			wantDetail: "code exchange with the upstream provider failed",
		},
		{
			name: "upstream http error",
			setup: func(m *mockIDPProvider) {
				m.exchangeErr = networking.NewHTTPError(http.StatusBadGateway, "https://idp/token", "secret internals")
			},
			wantDetail: "code exchange with the upstream provider failed",
		},
		{
			name:       "invalid grant",
			setup:      func(m *mockIDPProvider) { m.exchangeErr = fmt.Errorf("%w: code reused", upstream.ErrInvalidGrant) },
			wantDetail: "the upstream provider rejected the authorization code",
		},
		{
			name:       "identity",
			setup:      func(m *mockIDPProvider) { m.identityErr = upstream.ErrMissingIdentity },
			wantDetail: "could not resolve the user identity",
		},
		{
			name:       "no offline access",
			setup:      func(m *mockIDPProvider) { m.credentialErr = upstream.ErrMissingCredential },
			wantDetail: "the upstream provider did not grant offline access",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := handlerTestSetup(t)
			tt.setup(env.upstream)
			state := env.storePending(t, testClientRedir, "")

			rec := callback(env, "code=abc&state="+url.QueryEscape(state))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, "callback_failed", body.Error)
			assert.Equal(t, tt.wantDetail, body.Detail)
			assert.NotContains(t, rec.Body.String(), "10.0.0.1")
			assert.NotContains(t, rec.Body.String(), "secret internals")
			assert.Empty(t, rec.Header().Get("Location"))
		})
	}
}

// failingStorage fails every pending lookup with a backend error.
type failingStorage struct {
	storage.PendingAuthorizationStorage
}

func (failingStorage) ConsumePendingAuthorization(context.Context, string) (*storage.PendingAuthorization, error) {
	return nil, errors.New("redis: connection pool timeout")
}

func TestCallbackHandler_StorageFailureIsInternal(t *testing.T) {
	t.Parallel()
	env := handlerTestSetup(t)
	env.handler.storage = failingStorage{env.storage}

	rec := callback(env, "code=abc&state=s")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, errorResponse{Error: "internal_error"}, decodeError(t, rec))
}

func TestCallbackHandler_ReplayYieldsStateMismatch(t *testing.T) {
	t.Parallel()
	env := handlerTestSetup(t)
	srv := httptest.NewServer(env.handler.Routes())
	t.Cleanup(srv.Close)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	resp, err := client.Get(srv.URL + "/oauth/authorize?redirect_uri=" + url.QueryEscape(testClientRedir))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	upstreamLoc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	callbackURL := srv.URL + "/oauth/callback?code=c1&state=" + url.QueryEscape(upstreamLoc.Query().Get("state"))

	first, err := client.Get(callbackURL)
	require.NoError(t, err)
	_ = first.Body.Close()
	assert.Equal(t, http.StatusFound, first.StatusCode)

	second, err := client.Get(callbackURL)
	require.NoError(t, err)
	defer second.Body.Close()
	assert.Equal(t, http.StatusBadRequest, second.StatusCode)
	assert.Equal(t, 1, env.upstream.calls())
}

func TestCallbackHandler_ConcurrentReplayHasOneWinner(t *testing.T) {
	t.Parallel()
	env := handlerTestSetup(t)
	state := env.storePending(t, testClientRedir, "")

	const n = 16
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[i] = callback(env, "code=c&state="+url.QueryEscape(state)).Code
		}()
	}
	wg.Wait()

	found := 0
	for _, c := range codes {
		if c == http.StatusFound {
			found++
		} else {
			assert.Equal(t, http.StatusBadRequest, c)
		}
	}
	assert.Equal(t, 1, found)
}
