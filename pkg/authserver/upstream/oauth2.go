// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/stacklok/mcp-remote-auth/pkg/logger"
	"github.com/stacklok/mcp-remote-auth/pkg/networking"
)

var _ Provider = (*OAuth2Provider)(nil)

// Local limits on outbound token and user-info requests.
const (
	DefaultRequestRate  rate.Limit = 100
	DefaultRequestBurst            = 200
)

// OAuth2Provider implements Provider for any OAuth 2.0 authorization-code upstream.
type OAuth2Provider struct {
	config     Config
	httpClient networking.HTTPClient
	limiter    *rate.Limiter
}

// OAuth2ProviderOption configures an OAuth2Provider.
type OAuth2ProviderOption func(*OAuth2Provider)

// WithHTTPClient sets the client used for token and user-info requests.
func WithHTTPClient(client networking.HTTPClient) OAuth2ProviderOption {
	return func(p *OAuth2Provider) {
		p.httpClient = client
	}
}

// WithRateLimit bounds outbound requests to r per second with the given burst.
func WithRateLimit(r rate.Limit, burst int) OAuth2ProviderOption {
	return func(p *OAuth2Provider) {
		p.limiter = rate.NewLimiter(r, burst)
	}
}

// NewOAuth2Provider validates config and returns a provider.
func NewOAuth2Provider(config Config, opts ...OAuth2ProviderOption) (*OAuth2Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}
	if config.TokenAuthStyle == "" {
		config.TokenAuthStyle = TokenAuthStylePost
	}

	p := &OAuth2Provider{
		config:     config,
		httpClient: &http.Client{Timeout: networking.HttpTimeout},
		limiter:    rate.NewLimiter(DefaultRequestRate, DefaultRequestBurst),
	}
	for _, opt := range opts {
		opt(p)
	}

	logger.Infow("upstream provider configured",
		"provider", config.ID,
		"authorization_endpoint", config.AuthorizationEndpoint,
		"token_endpoint", config.TokenEndpoint,
		"identity_source", config.IdentitySource,
		"credential_field", config.CredentialField,
	)
	return p, nil
}

// ID implements Provider.
func (p *OAuth2Provider) ID() string {
	return p.config.ID
}

// DisplayName returns the human-readable provider name.
func (p *OAuth2Provider) DisplayName() string {
	if p.config.DisplayName != "" {
		return p.config.DisplayName
	}
	return p.config.ID
}

// DefaultScopes implements Provider.
func (p *OAuth2Provider) DefaultScopes() []string {
	return slices.Clone(p.config.Scopes)
}

// OnboardScopes implements Provider.
func (p *OAuth2Provider) OnboardScopes() []string {
	out := slices.Clone(p.config.Scopes)
	for _, s := range p.config.OnboardExtraScopes {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// RefreshesAccessTokens implements Provider.
func (p *OAuth2Provider) RefreshesAccessTokens() bool {
	return p.config.CredentialField == CredentialFieldRefreshToken
}

// AuthorizationURL implements Provider.
func (p *OAuth2Provider) AuthorizationURL(state, codeChallenge string, scopes []string) (string, error) {
	if state == "" {
		return "", errors.New("state parameter is required")
	}
	if len(scopes) == 0 {
		scopes = p.config.Scopes
	}

	params := url.Values{
		"response_type": {"code"},
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.RedirectURI},
		"state":         {state},
	}
	if len(scopes) > 0 {
		params.Set("scope", strings.Join(scopes, " "))
	}
	if codeChallenge != "" {
		params.Set("code_challenge", codeChallenge)
		params.Set("code_challenge_method", "S256")
	}
	for k, v := range p.config.AdditionalAuthorizeParams {
		params.Set(k, v)
	}

	sep := "?"
	if strings.Contains(p.config.AuthorizationEndpoint, "?") {
		sep = "&"
	}
	return p.config.AuthorizationEndpoint + sep + params.Encode(), nil
}

// ExchangeCode implements Provider.
func (p *OAuth2Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*Tokens, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}

	params := map[string]string{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": p.config.RedirectURI,
	}
	if codeVerifier != "" {
		params["code_verifier"] = codeVerifier
	}

	tokens, err := p.tokenRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	logger.Infow("authorization code exchange successful",
		"provider", p.config.ID,
		"has_refresh_token", tokens.RefreshToken != "",
	)
	return tokens, nil
}

// RefreshTokens implements Provider.
func (p *OAuth2Provider) RefreshTokens(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}

	tokens, err := p.tokenRequest(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
	if err != nil {
		return nil, err
	}

	logger.Debugw("upstream token refresh successful",
		"provider", p.config.ID,
		"rotated_refresh_token", tokens.RefreshToken != "" && tokens.RefreshToken != refreshToken,
		"expires_at", tokens.ExpiresAt.Format(time.RFC3339),
	)
	return tokens, nil
}

// LongLivedCredential implements Provider.
func (p *OAuth2Provider) LongLivedCredential(tokens *Tokens) (string, error) {
	if tokens == nil {
		return "", ErrMissingCredential
	}
	var v string
	if p.config.CredentialField == CredentialFieldAccessToken {
		v = tokens.AccessToken
	} else {
		v = tokens.RefreshToken
	}
	if v == "" {
		return "", fmt.Errorf("%w: field %s", ErrMissingCredential, p.config.CredentialField)
	}
	return v, nil
}

// ResolveIdentity implements Provider.
func (p *OAuth2Provider) ResolveIdentity(ctx context.Context, tokens *Tokens) (string, error) {
	if tokens == nil {
		return "", ErrMissingIdentity
	}

	doc := tokens.Raw
	if p.config.IdentitySource == IdentitySourceUserInfo {
		body, err := p.fetchUserInfo(ctx, tokens.AccessToken)
		if err != nil {
			return "", err
		}
		doc = body
	}

	for _, path := range p.config.IdentityFields {
		if v := gjson.GetBytes(doc, path); v.Exists() && v.String() != "" {
			return v.String(), nil
		}
	}
	return "", fmt.Errorf("%w: tried %v", ErrMissingIdentity, p.config.IdentityFields)
}

func (p *OAuth2Provider) fetchUserInfo(ctx context.Context, accessToken string) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("userinfo request not sent: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	for k, v := range p.config.UserInfoHeaders {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read userinfo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, networking.NewHTTPError(resp.StatusCode, p.config.UserInfoEndpoint, preview(body))
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("userinfo response is not valid JSON")
	}
	return body, nil
}

// tokenRequest posts to the token endpoint with the configured client authentication.
func (p *OAuth2Provider) tokenRequest(ctx context.Context, params map[string]string) (*Tokens, error) {
	if p.config.TokenAuthStyle == TokenAuthStylePost {
		params["client_id"] = p.config.ClientID
		params["client_secret"] = p.config.ClientSecret
	}

	var (
		body        []byte
		contentType string
	)
	if p.config.TokenRequestJSON {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode token request: %w", err)
		}
		body, contentType = b, "application/json"
	} else {
		form := url.Values{}
		for k, v := range params {
			form.Set(k, v)
		}
		body, contentType = []byte(form.Encode()), "application/x-www-form-urlencoded"
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("token request not sent: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if p.config.TokenAuthStyle == TokenAuthStyleBasic {
		req.SetBasicAuth(url.QueryEscape(p.config.ClientID), url.QueryEscape(p.config.ClientSecret))
	}

	logger.Debugw("sending token request",
		"provider", p.config.ID,
		"grant_type", params["grant_type"],
	)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	return parseTokenResponse(respBody, resp.StatusCode, p.config.TokenEndpoint)
}
