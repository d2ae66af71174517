// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-remote-auth/pkg/authserver/storage"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/tokenstore"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/upstream"
	"github.com/stacklok/mcp-remote-auth/pkg/telemetry"
)

const (
	testBaseURL       = "https://gateway.example.com"
	testClientRedir   = "https://client.example.com/cb"
	testUpstreamURL   = "https://idp.example.com/authorize"
	testProviderID    = "test-idp"
	testOnboardSecret = "let-me-in"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// mockIDPProvider implements upstream.Provider for testing.
type mockIDPProvider struct {
	mu sync.Mutex

	authURLErr      error
	exchangeTokens  *upstream.Tokens
	exchangeErr     error
	subject         string
	identityErr     error
	credentialErr   error
	exchangeCalls   int
	capturedState   string
	capturedCode    string
	capturedScopes  []string
	capturedVerifer string
	capturedChall   string
}

var _ upstream.Provider = (*mockIDPProvider)(nil)

func (*mockIDPProvider) ID() string { return testProviderID }

func (m *mockIDPProvider) AuthorizationURL(state, codeChallenge string, scopes []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capturedState = state
	m.capturedChall = codeChallenge
	m.capturedScopes = scopes
	if m.authURLErr != nil {
		return "", m.authURLErr
	}
	return testUpstreamURL + "?" + url.Values{"state": {state}, "code_challenge": {codeChallenge}}.Encode(), nil
}

func (m *mockIDPProvider) ExchangeCode(_ context.Context, code, codeVerifier string) (*upstream.Tokens, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchangeCalls++
	m.capturedCode = code
	m.capturedVerifer = codeVerifier
	if m.exchangeErr != nil {
		return nil, m.exchangeErr
	}
	if m.exchangeTokens != nil {
		return m.exchangeTokens, nil
	}
	return &upstream.Tokens{AccessToken: "upstream-at", RefreshToken: "upstream-rt"}, nil
}

func (m *mockIDPProvider) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exchangeCalls
}

func (*mockIDPProvider) RefreshTokens(context.Context, string) (*upstream.Tokens, error) {
	return nil, upstream.ErrInvalidGrant
}

func (m *mockIDPProvider) ResolveIdentity(context.Context, *upstream.Tokens) (string, error) {
	if m.identityErr != nil {
		return "", m.identityErr
	}
	if m.subject != "" {
		return m.subject, nil
	}
	return "ada@example.com", nil
}

func (m *mockIDPProvider) LongLivedCredential(tokens *upstream.Tokens) (string, error) {
	if m.credentialErr != nil {
		return "", m.credentialErr
	}
	return tokens.RefreshToken, nil
}

func (*mockIDPProvider) RefreshesAccessTokens() bool { return true }
func (*mockIDPProvider) DefaultScopes() []string     { return []string{"calendar"} }
func (*mockIDPProvider) OnboardScopes() []string {
	return []string{"calendar", "openid", "email"}
}

type testEnv struct {
	handler  *Handler
	storage  *storage.MemoryStorage
	tokens   *tokenstore.Store
	upstream *mockIDPProvider
	metrics  *telemetry.Metrics
}

func handlerTestSetup(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	stor := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = stor.Close() })

	tokens, err := tokenstore.New(stor, testSecret)
	require.NoError(t, err)

	cfg := Config{
		BaseURL:             testBaseURL,
		EndpointPath:        "/mcp",
		AllowedRedirectURIs: []string{testClientRedir, "http://localhost:6274/oauth/callback"},
		ResourceName:        "Test Calendar",
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	env := &testEnv{
		storage:  stor,
		tokens:   tokens,
		upstream: &mockIDPProvider{},
		metrics:  telemetry.New(),
	}
	env.handler, err = NewHandler(cfg, stor, env.upstream, tokens, env.metrics)
	require.NoError(t, err)
	return env
}

// storePending seeds a pending authorization and returns its state.
func (e *testEnv) storePending(t *testing.T, redirect, clientState string) string {
	t.Helper()
	p := &storage.PendingAuthorization{
		State:             "internal-state-" + t.Name(),
		ClientRedirectURI: redirect,
		ClientState:       clientState,
		PKCEVerifier:      "verifier-0123456789012345678901234567890123456789",
		Scopes:            []string{"calendar"},
	}
	require.NoError(t, e.storage.StorePendingAuthorization(context.Background(), p))
	return p.State
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}
