// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gateway assembles the OAuth gateway: storage, token store,
// upstream provider, protocol engine and the HTTP router in front of them.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/mcp-remote-auth/pkg/apis/gcal"
	"github.com/stacklok/mcp-remote-auth/pkg/apis/notion"
	"github.com/stacklok/mcp-remote-auth/pkg/auth"
	"github.com/stacklok/mcp-remote-auth/pkg/auth/scope"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/handlers"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/storage"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/tokenstore"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/upstream"
	"github.com/stacklok/mcp-remote-auth/pkg/config"
	"github.com/stacklok/mcp-remote-auth/pkg/logger"
	mcpserver "github.com/stacklok/mcp-remote-auth/pkg/mcp/server"
	"github.com/stacklok/mcp-remote-auth/pkg/networking"
	"github.com/stacklok/mcp-remote-auth/pkg/telemetry"
)

// HealthPath is served without authentication or host validation.
const HealthPath = "/health"

// MetricsPath exposes Prometheus metrics.
const MetricsPath = "/metrics"

const healthTimeout = 2 * time.Second

// Option customizes New.
type Option func(*options)

type options struct {
	storage    storage.Storage
	httpClient *http.Client
	apiBaseURL string
	provider   upstream.Provider
}

// WithStorage uses stor instead of building the configured backend.
// The gateway still closes it on Close.
func WithStorage(stor storage.Storage) Option {
	return func(o *options) { o.storage = stor }
}

// WithHTTPClient sets the client used for upstream OAuth and API calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithAPIBaseURL points the upstream API client at baseURL.
func WithAPIBaseURL(baseURL string) Option {
	return func(o *options) { o.apiBaseURL = baseURL }
}

// WithProvider replaces the preset-built upstream provider.
func WithProvider(p upstream.Provider) Option {
	return func(o *options) { o.provider = p }
}

// Gateway is the assembled service.
type Gateway struct {
	config  *config.Config
	storage storage.Storage
	tokens  *tokenstore.Store
	engine  *mcpserver.Server
	metrics *telemetry.Metrics
	router  chi.Router
}

// New validates cfg and builds every component.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.httpClient == nil {
		client, err := networking.NewHttpClientBuilder().WithCABundle(cfg.UpstreamCABundle).Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build upstream HTTP client: %w", err)
		}
		o.httpClient = client
	}

	provider := o.provider
	if provider == nil {
		upCfg, err := cfg.UpstreamConfig()
		if err != nil {
			return nil, err
		}
		p, err := upstream.NewOAuth2Provider(upCfg, upstream.WithHTTPClient(o.httpClient))
		if err != nil {
			return nil, fmt.Errorf("failed to create upstream provider: %w", err)
		}
		provider = p
	}

	stor := o.storage
	if stor == nil {
		s, err := storage.New(ctx, cfg.StorageBackend())
		if err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
		stor = s
	}

	g, err := assemble(cfg, o, provider, stor)
	if err != nil {
		_ = stor.Close()
		return nil, err
	}
	return g, nil
}

func assemble(cfg *config.Config, o *options, provider upstream.Provider, stor storage.Storage) (*Gateway, error) {
	tokens, err := tokenstore.New(stor, []byte(cfg.SessionSecret), tokenstore.WithLifetime(cfg.SessionLifetime))
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	metrics := telemetry.New()
	minter := scope.NewMinter(provider, tokens)

	engine, binder, err := newEngine(cfg, minter, o)
	if err != nil {
		return nil, err
	}

	baseURL := cfg.NormalizedBaseURL()
	oauth, err := handlers.NewHandler(handlers.Config{
		BaseURL:             baseURL,
		EndpointPath:        cfg.EndpointPath,
		AllowedRedirectURIs: cfg.AllowedRedirectURIs,
		OnboardSecret:       cfg.OnboardSecret,
		ResourceName:        cfg.Provider.Preset + " MCP",
	}, stor, provider, tokens, metrics)
	if err != nil {
		return nil, err
	}

	session := auth.NewSessionAuthenticator(tokens, binder, auth.ResourceMetadataURL(baseURL), metrics)

	allowedHosts, err := allowedHosts(baseURL, cfg.AdditionalAllowedHosts)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		auth.HostValidation(allowedHosts, HealthPath),
	)
	r.Get(HealthPath, healthHandler(stor))
	r.Method(http.MethodGet, MetricsPath, metrics.Handler())
	oauth.OAuthRoutes(r)
	oauth.WellKnownRoutes(r)

	// The gate is the one handler for the endpoint: public methods reach the
	// engine directly, everything else passes the session middleware first.
	r.Handle(engine.EndpointPath(), auth.Gate(auth.GateConfig{
		BodyInspection: cfg.BodyInspection,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		Metrics:        metrics,
	}, engine.Handler(), session.Middleware(engine.Handler())))

	logger.Infow("gateway assembled",
		"provider", provider.ID(),
		"endpoint", baseURL+engine.EndpointPath(),
		"body_inspection", cfg.BodyInspection,
		"storage", cfg.Storage.Type,
		"onboarding", cfg.OnboardSecret != "",
	)

	return &Gateway{
		config:  cfg,
		storage: stor,
		tokens:  tokens,
		engine:  engine,
		metrics: metrics,
		router:  r,
	}, nil
}

// newEngine builds the protocol engine with the tool set of the preset and
// the binder producing that tool set's client.
func newEngine(cfg *config.Config, tokens scope.TokenSource, o *options) (*mcpserver.Server, auth.ScopeBinder, error) {
	engineCfg := mcpserver.Config{
		Name:         "mcp-remote-auth-" + cfg.Provider.Preset,
		EndpointPath: cfg.EndpointPath,
		Stateless:    cfg.Stateless,
	}

	switch cfg.Provider.Preset {
	case upstream.PresetGoogleCalendar:
		engineCfg.ContextFunc = scope.HTTPContextFunc[*gcal.Client]()
		engineCfg.Instructions = "Read the authenticated user's Google Calendar."
		binder := scope.NewBinder(tokens, gcal.NewFactory(o.httpClient, o.apiBaseURL))
		tools := &mcpserver.CalendarTools{Clients: scope.CurrentAccessor[*gcal.Client]()}
		return mcpserver.New(engineCfg, tools), binder, nil
	case upstream.PresetNotion:
		engineCfg.ContextFunc = scope.HTTPContextFunc[*notion.Client]()
		engineCfg.Instructions = "Search and read Notion pages shared with the integration."
		binder := scope.NewBinder(tokens, notion.NewFactory(o.httpClient, o.apiBaseURL))
		tools := &mcpserver.NotionTools{Clients: scope.CurrentAccessor[*notion.Client]()}
		return mcpserver.New(engineCfg, tools), binder, nil
	default:
		return nil, nil, fmt.Errorf("no tool set for provider preset %q", cfg.Provider.Preset)
	}
}

func allowedHosts(baseURL string, extra []string) ([]string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	return append([]string{u.Host}, extra...), nil
}

type healthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
}

func healthHandler(stor storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		resp := healthResponse{Status: "ok", Storage: "ok"}
		status := http.StatusOK
		if err := stor.Health(ctx); err != nil {
			logger.Warnw("storage health check failed", "error", err)
			resp = healthResponse{Status: "degraded", Storage: "unavailable"}
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Tokens returns the token store.
func (g *Gateway) Tokens() *tokenstore.Store {
	return g.tokens
}

// Close releases the storage backend.
func (g *Gateway) Close() error {
	if err := g.storage.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}
