// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/stacklok/mcp-remote-auth/pkg/authserver/storage"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/upstream"
	"github.com/stacklok/mcp-remote-auth/pkg/config"
)

const (
	gatewayURL   = "https://gw.example.com"
	clientRedir  = "https://client.example.com/callback"
	sessionKey   = "0123456789abcdef0123456789abcdef"
	upstreamCode = "good-code"
)

// fakeGoogle serves the token, userinfo and calendar endpoints.
type fakeGoogle struct {
	server        *httptest.Server
	refreshGrants atomic.Int32
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	t.Helper()
	f := &fakeGoogle{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			if r.PostForm.Get("code") != upstreamCode || r.PostForm.Get("code_verifier") == "" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = fmt.Fprint(w, `{"error":"invalid_grant"}`)
				return
			}
			_, _ = fmt.Fprint(w, `{"access_token":"at-initial","refresh_token":"rt-ada","expires_in":3600,"token_type":"Bearer"}`)
		case "refresh_token":
			f.refreshGrants.Add(1)
			if r.PostForm.Get("refresh_token") != "rt-ada" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = fmt.Fprint(w, `{"error":"invalid_grant"}`)
				return
			}
			_, _ = fmt.Fprint(w, `{"access_token":"at-minted","expires_in":3600,"token_type":"Bearer"}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("GET /userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-initial" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = fmt.Fprint(w, `{"id":"1","email":"ada@example.com"}`)
	})
	mux.HandleFunc("GET /users/me/calendarList", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-minted" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = fmt.Fprint(w, `{"error":{"message":"Invalid Credentials"}}`)
			return
		}
		_, _ = fmt.Fprint(w, `{"items":[{"id":"ada@example.com","summary":"Ada","primary":true}]}`)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func testConfig() *config.Config {
	return &config.Config{
		Host:                "127.0.0.1",
		Port:                8001,
		BaseURL:             gatewayURL,
		SessionSecret:       sessionKey,
		SessionLifetime:     time.Hour,
		AllowedRedirectURIs: []string{clientRedir},
		EndpointPath:        "/mcp",
		Stateless:           true,
		BodyInspection:      true,
		MaxBodyBytes:        1 << 20,
		Provider: config.ProviderConfig{
			Preset:       upstream.PresetGoogleCalendar,
			ClientID:     "client-id",
			ClientSecret: "client-secret",
		},
		Storage: config.StorageConfig{Type: "memory"},
	}
}

func newTestGateway(t *testing.T, mutate ...func(*config.Config)) (*Gateway, *fakeGoogle) {
	t.Helper()
	fake := newFakeGoogle(t)
	cfg := testConfig()
	for _, fn := range mutate {
		fn(cfg)
	}

	upCfg, err := cfg.UpstreamConfig()
	require.NoError(t, err)
	upCfg.TokenEndpoint = fake.server.URL + "/token"
	upCfg.UserInfoEndpoint = fake.server.URL + "/userinfo"
	provider, err := upstream.NewOAuth2Provider(upCfg, upstream.WithHTTPClient(fake.server.Client()))
	require.NoError(t, err)

	g, err := New(context.Background(), cfg,
		WithStorage(storage.NewMemoryStorage()),
		WithHTTPClient(fake.server.Client()),
		WithAPIBaseURL(fake.server.URL),
		WithProvider(provider),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g, fake
}

func rpc(g *Gateway, body, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, gatewayURL+"/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	return rec
}

func get(g *Gateway, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

// authorize runs the authorize and callback legs and returns the client redirect.
func authorize(t *testing.T, g *Gateway) *url.URL {
	t.Helper()
	rec := get(g, gatewayURL+"/oauth/authorize?state=cs&redirect_uri="+url.QueryEscape(clientRedir))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	upstreamURL, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "accounts.google.com", upstreamURL.Host)
	assert.Equal(t, "S256", upstreamURL.Query().Get("code_challenge_method"))
	assert.Equal(t, gatewayURL+"/oauth/callback", upstreamURL.Query().Get("redirect_uri"))

	rec = get(g, gatewayURL+"/oauth/callback?code="+upstreamCode+"&state="+url.QueryEscape(upstreamURL.Query().Get("state")))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return loc
}

func TestPublicMethodWithoutBearer(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)

	rec := rpc(g, `{"method":"tools/list","id":1}`, "")

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestToolsListServedWithoutBearer(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)

	rec := rpc(g, `{"jsonrpc":"2.0","method":"tools/list","id":1}`, "")

	require.Equal(t, http.StatusOK, rec.Code)
	names := gjson.Get(rec.Body.String(), "result.tools.#.name").Array()
	var got []string
	for _, n := range names {
		got = append(got, n.String())
	}
	assert.ElementsMatch(t, []string{"list_calendars", "list_events"}, got)
}

func TestProtectedMethodWithoutBearer(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)

	rec := rpc(g, `{"method":"tools/call","id":2,"params":{}}`, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t,
		`Bearer resource_metadata="https://gw.example.com/.well-known/oauth-protected-resource"`,
		rec.Header().Get("WWW-Authenticate"))
}

func TestMixedBatchRequiresBearer(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)

	rec := rpc(g, `[{"jsonrpc":"2.0","method":"tools/list","id":1},{"jsonrpc":"2.0","method":"tools/call","id":2}]`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCaseVariantMethodKeyRequiresBearer(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)

	bodies := []string{
		`{"jsonrpc":"2.0","id":2,"method":"tools/list","Method":"tools/call","params":{"name":"list_calendars","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":2,"METHOD":"tools/call","params":{"name":"list_calendars","arguments":{}}}`,
		`[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","id":2,"mEtHoD":"tools/call"}]`,
	}
	for _, body := range bodies {
		rec := rpc(g, body, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, body)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "resource_metadata=", body)
	}
}

func TestMalformedBodyRequiresBearer(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)

	for _, body := range []string{"", "{", `{"id":1}`, `{"method":42}`} {
		rec := rpc(g, body, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, body)
	}
}

func TestCallbackUpstreamDenied(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)

	rec := get(g, gatewayURL+"/oauth/callback?error=access_denied")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"upstream_oauth_error","detail":"access_denied"}`, rec.Body.String())
}

func TestFullFlow(t *testing.T) {
	t.Parallel()
	g, fake := newTestGateway(t)

	loc := authorize(t, g)
	assert.Equal(t, "client.example.com", loc.Host)
	assert.Equal(t, "cs", loc.Query().Get("state"))
	token := loc.Query().Get("access_token")
	require.NotEmpty(t, token)

	rec, err := g.Tokens().Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", rec.Subject)
	assert.Equal(t, "rt-ada", rec.RefreshToken)

	call := `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"list_calendars","arguments":{}}}`
	resp := rpc(g, call, token)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, "Ada", gjson.Get(resp.Body.String(), "result.structuredContent.calendars.0.summary").String(), resp.Body.String())

	// The minted access token is cached for the second call.
	resp = rpc(g, call, token)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, int32(1), fake.refreshGrants.Load())

	// Revocation ends the session.
	revoke := httptest.NewRequest(http.MethodPost, gatewayURL+"/oauth/revoke", nil)
	revoke.Header.Set("Authorization", "Bearer "+token)
	revokeRec := httptest.NewRecorder()
	g.Handler().ServeHTTP(revokeRec, revoke)
	assert.Equal(t, http.StatusOK, revokeRec.Code)

	resp = rpc(g, call, token)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Contains(t, resp.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
}

func TestTamperedTokenRejected(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)

	token := authorize(t, g).Query().Get("access_token")
	tampered := token[:10] + string(token[10]^0x01) + token[11:]

	rec := rpc(g, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"list_calendars"}}`, tampered)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBodyInspectionDisabled(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t, func(c *config.Config) { c.BodyInspection = false })

	rec := rpc(g, `{"jsonrpc":"2.0","method":"tools/list","id":1}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOversizedBody(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t, func(c *config.Config) { c.MaxBodyBytes = 64 })

	rec := rpc(g, `{"jsonrpc":"2.0","method":"tools/list","id":1,"params":{"pad":"`+strings.Repeat("x", 100)+`"}}`, "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHostValidation(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t, func(c *config.Config) { c.AdditionalAllowedHosts = []string{"alt.example.com"} })

	tests := []struct {
		target string
		want   int
	}{
		{"https://evil.example.com/.well-known/oauth-protected-resource", http.StatusMisdirectedRequest},
		{"https://alt.example.com/.well-known/oauth-protected-resource", http.StatusOK},
		{"http://localhost:8001/.well-known/oauth-protected-resource", http.StatusOK},
		{"https://evil.example.com/health", http.StatusOK},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, get(g, tt.target).Code, tt.target)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)

	rec := get(g, gatewayURL+"/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)

	_ = rpc(g, `{"jsonrpc":"2.0","method":"tools/list","id":1}`, "")
	rec = get(g, gatewayURL+"/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `mcp_remote_auth_gate_decisions_total{reason="public_methods",route="bypass"} 1`)
}

func TestDiscovery(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)

	rec := get(g, gatewayURL+"/.well-known/oauth-authorization-server")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, gatewayURL+"/oauth/authorize", gjson.Get(rec.Body.String(), "authorization_endpoint").String())

	rec = get(g, gatewayURL+"/.well-known/oauth-protected-resource")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, gatewayURL+"/mcp", gjson.Get(rec.Body.String(), "resource").String())
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.SessionSecret = "short"

	_, err := New(context.Background(), cfg, WithStorage(storage.NewMemoryStorage()))
	assert.Error(t, err)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)

	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
