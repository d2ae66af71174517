// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// Where the long-lived credential comes from in a token response.
const (
	CredentialFieldRefreshToken = "refresh_token"
	CredentialFieldAccessToken  = "access_token"
)

// Where the user identity comes from.
const (
	IdentitySourceUserInfo      = "userinfo"
	IdentitySourceTokenResponse = "token_response"
)

// How client credentials are sent to the token endpoint.
const (
	TokenAuthStylePost  = "post"
	TokenAuthStyleBasic = "basic"
)

// tokenExpirationBuffer is how early an access token is treated as expired.
const tokenExpirationBuffer = 30 * time.Second

// maxResponseSize caps how much of an upstream response body is read.
const maxResponseSize = 1 << 20

var (
	// ErrInvalidGrant is returned when the upstream rejects a code or refresh token.
	// The user has to authorize again.
	ErrInvalidGrant = errors.New("upstream rejected the grant")

	// ErrMissingCredential is returned when a token response lacks the configured
	// long-lived credential field.
	ErrMissingCredential = errors.New("upstream token response has no long-lived credential")

	// ErrMissingIdentity is returned when no identity field could be resolved.
	ErrMissingIdentity = errors.New("upstream did not report a user identity")
)

// Tokens is a parsed token endpoint response.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string

	// Raw is the response body, kept for identity extraction.
	Raw []byte
}

// IsExpired reports whether the access token has expired or is about to.
// A zero ExpiresAt means the token does not expire.
func (t *Tokens) IsExpired() bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(tokenExpirationBuffer).After(t.ExpiresAt)
}

// OAuth2Token converts to an x/oauth2 token for building API clients.
func (t *Tokens) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}
}

// Provider is an upstream OAuth 2.0 identity and resource provider.
type Provider interface {
	// ID is the stable provider identifier stored in credential records.
	ID() string

	// AuthorizationURL builds the upstream authorize redirect. scopes overrides
	// the configured scopes when non-empty.
	AuthorizationURL(state, codeChallenge string, scopes []string) (string, error)

	// ExchangeCode trades an authorization code for tokens. It is never retried.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*Tokens, error)

	// RefreshTokens mints a new access token from a refresh token.
	RefreshTokens(ctx context.Context, refreshToken string) (*Tokens, error)

	// ResolveIdentity returns the subject identifier for the tokens, from the
	// user-info endpoint or the token response depending on configuration.
	ResolveIdentity(ctx context.Context, tokens *Tokens) (string, error)

	// LongLivedCredential picks the secret to persist from a token response.
	LongLivedCredential(tokens *Tokens) (string, error)

	// RefreshesAccessTokens is false when the stored credential is itself the
	// access token.
	RefreshesAccessTokens() bool

	// DefaultScopes are requested on a normal authorization.
	DefaultScopes() []string

	// OnboardScopes are requested on the onboarding flow.
	OnboardScopes() []string
}

// Config describes one upstream provider.
type Config struct {
	// ID identifies the provider, e.g. "google-calendar".
	ID string
	// DisplayName is shown in logs and the onboarding page.
	DisplayName string

	ClientID     string
	ClientSecret string
	// RedirectURI is this gateway's callback URL registered with the upstream.
	RedirectURI string

	AuthorizationEndpoint string
	TokenEndpoint         string
	// UserInfoEndpoint is required when IdentitySource is "userinfo".
	UserInfoEndpoint string

	Scopes []string
	// OnboardExtraScopes are added to Scopes on the onboarding flow.
	OnboardExtraScopes []string

	AdditionalAuthorizeParams map[string]string

	// IdentitySource is "userinfo" or "token_response".
	IdentitySource string
	// IdentityFields are gjson paths tried in order; the first non-empty wins.
	IdentityFields []string

	// CredentialField is "refresh_token" or "access_token".
	CredentialField string

	// TokenAuthStyle is "post" (form fields) or "basic" (HTTP basic auth).
	TokenAuthStyle string
	// TokenRequestJSON sends the token request as a JSON body.
	TokenRequestJSON bool

	// UserInfoHeaders are added to user-info requests.
	UserInfoHeaders map[string]string
}

// Validate checks the configuration is complete.
func (c *Config) Validate() error {
	if c.ID == "" {
		return errors.New("provider id is required")
	}
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if c.ClientSecret == "" {
		return errors.New("client_secret is required")
	}
	for name, raw := range map[string]string{
		"authorization_endpoint": c.AuthorizationEndpoint,
		"token_endpoint":         c.TokenEndpoint,
		"redirect_uri":           c.RedirectURI,
	} {
		if err := validateAbsoluteURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	switch c.IdentitySource {
	case IdentitySourceUserInfo:
		if err := validateAbsoluteURL(c.UserInfoEndpoint); err != nil {
			return fmt.Errorf("userinfo_endpoint: %w", err)
		}
	case IdentitySourceTokenResponse:
	default:
		return fmt.Errorf("unknown identity source %q", c.IdentitySource)
	}
	if len(c.IdentityFields) == 0 {
		return errors.New("at least one identity field is required")
	}

	switch c.CredentialField {
	case CredentialFieldRefreshToken, CredentialFieldAccessToken:
	default:
		return fmt.Errorf("unknown credential field %q", c.CredentialField)
	}

	switch c.TokenAuthStyle {
	case "", TokenAuthStylePost, TokenAuthStyleBasic:
	default:
		return fmt.Errorf("unknown token auth style %q", c.TokenAuthStyle)
	}
	return nil
}

func validateAbsoluteURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("must be an absolute URL, got %q", raw)
	}
	return nil
}
