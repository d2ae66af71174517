// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/mcp-remote-auth/pkg/auth"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/storage"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/tokenstore"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/upstream"
	"github.com/stacklok/mcp-remote-auth/pkg/telemetry"
)

// Route paths served by the Handler.
const (
	AuthorizePath       = "/oauth/authorize"
	CallbackPath        = "/oauth/callback"
	RevokePath          = "/oauth/revoke"
	OnboardPath         = "/onboard"
	OnboardCompletePath = "/onboard/complete"

	WellKnownAuthorizationServerPath = "/.well-known/oauth-authorization-server"
)

// Config holds the deployment settings the handlers need.
type Config struct {
	// BaseURL is the public origin of the gateway, without a trailing slash.
	BaseURL string

	// EndpointPath is the path of the protected RPC endpoint.
	EndpointPath string

	// AllowedRedirectURIs lists the client redirect targets accepted by the
	// authorize endpoint.
	AllowedRedirectURIs []string

	// OnboardSecret enables the onboarding endpoints when non-empty.
	OnboardSecret string

	// ResourceName is the human readable name published in resource metadata.
	ResourceName string
}

// SessionIssuer issues and revokes session tokens. *tokenstore.Store
// implements it.
type SessionIssuer interface {
	Issue(ctx context.Context, rec *storage.CredentialRecord) (*tokenstore.IssuedToken, error)
	Revoke(ctx context.Context, token string) error
}

// Handler provides HTTP handlers for the OAuth proxy endpoints.
type Handler struct {
	config   Config
	storage  storage.PendingAuthorizationStorage
	upstream upstream.Provider
	tokens   SessionIssuer
	metrics  *telemetry.Metrics

	allowedRedirects []*url.URL
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(
	cfg Config,
	stor storage.PendingAuthorizationStorage,
	upstreamIDP upstream.Provider,
	tokens SessionIssuer,
	metrics *telemetry.Metrics,
) (*Handler, error) {
	if stor == nil || upstreamIDP == nil || tokens == nil {
		return nil, errors.New("handlers: storage, upstream provider and session issuer are required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || !base.IsAbs() || base.Host == "" {
		return nil, fmt.Errorf("handlers: base URL %q must be absolute", cfg.BaseURL)
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	h := &Handler{
		config:   cfg,
		storage:  stor,
		upstream: upstreamIDP,
		tokens:   tokens,
		metrics:  metrics,
	}
	for _, raw := range cfg.AllowedRedirectURIs {
		u, err := parseRedirectURI(raw)
		if err != nil {
			return nil, fmt.Errorf("handlers: allowed redirect URI %q: %w", raw, err)
		}
		h.allowedRedirects = append(h.allowedRedirects, u)
	}
	if h.onboardingEnabled() {
		u, _ := parseRedirectURI(h.onboardCompleteURL())
		h.allowedRedirects = append(h.allowedRedirects, u)
	}
	return h, nil
}

// Routes returns a router with all OAuth endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)
	return r
}

// OAuthRoutes registers the authorize, callback and revoke endpoints and,
// when an onboarding secret is configured, the onboarding endpoints.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get(AuthorizePath, h.AuthorizeHandler)
	r.Get(CallbackPath, h.CallbackHandler)
	r.Post(RevokePath, h.RevokeHandler)
	if h.onboardingEnabled() {
		r.Get(OnboardPath, h.OnboardHandler)
		r.Get(OnboardCompletePath, h.OnboardCompleteHandler)
	}
}

// WellKnownRoutes registers the RFC 8414 and RFC 9728 discovery documents.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get(WellKnownAuthorizationServerPath, h.OAuthDiscoveryHandler)
	r.Method(http.MethodGet, auth.WellKnownOAuthResourcePath, h.protectedResourceHandler())
	r.Method(http.MethodOptions, auth.WellKnownOAuthResourcePath, h.protectedResourceHandler())
}

func (h *Handler) onboardingEnabled() bool {
	return h.config.OnboardSecret != ""
}

func (h *Handler) onboardCompleteURL() string {
	return h.config.BaseURL + OnboardCompletePath
}

func (h *Handler) endpointURL(path string) string {
	return h.config.BaseURL + path
}
