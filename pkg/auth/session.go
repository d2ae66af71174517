// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stacklok/mcp-remote-auth/pkg/authserver/storage"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/tokenstore"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/upstream"
	"github.com/stacklok/mcp-remote-auth/pkg/logger"
	"github.com/stacklok/mcp-remote-auth/pkg/telemetry"
)

// CredentialResolver maps a Session Token to its upstream credential record.
type CredentialResolver interface {
	Resolve(ctx context.Context, token string) (*storage.CredentialRecord, error)
}

// ScopeBinder binds a per-request upstream client for a credential record.
// The returned release func ends the binding.
type ScopeBinder interface {
	Bind(ctx context.Context, rec *storage.CredentialRecord) (context.Context, func(), error)
}

// Session rejection reasons, used as the metric label.
const (
	RejectMissingToken   = "missing_token"
	RejectVerification   = "verification_failed"
	RejectUnknownSession = "unknown_session"
	RejectExpired        = "expired"
	RejectUpstreamGrant  = "upstream_grant_invalid"
	RejectInternal       = "internal_error"
)

// SessionAuthenticator verifies Session Tokens and binds the request credential scope.
type SessionAuthenticator struct {
	resolver            CredentialResolver
	binder              ScopeBinder
	resourceMetadataURL string
	metrics             *telemetry.Metrics
}

// NewSessionAuthenticator returns a SessionAuthenticator. resourceMetadataURL
// is advertised in WWW-Authenticate challenges when set.
func NewSessionAuthenticator(
	resolver CredentialResolver,
	binder ScopeBinder,
	resourceMetadataURL string,
	metrics *telemetry.Metrics,
) *SessionAuthenticator {
	return &SessionAuthenticator{
		resolver:            resolver,
		binder:              binder,
		resourceMetadataURL: resourceMetadataURL,
		metrics:             metrics,
	}
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// buildWWWAuthenticate builds an RFC 6750 / RFC 9728 challenge.
func (a *SessionAuthenticator) buildWWWAuthenticate(includeError bool) string {
	var parts []string
	if a.resourceMetadataURL != "" {
		parts = append(parts, fmt.Sprintf(`resource_metadata="%s"`, EscapeQuotes(a.resourceMetadataURL)))
	}
	if includeError {
		parts = append(parts, `error="invalid_token"`)
	}
	if len(parts) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(parts, ", ")
}

func (a *SessionAuthenticator) unauthorized(w http.ResponseWriter, reason string, invalidToken bool) {
	a.metrics.SessionRejection(reason)
	w.Header().Set("WWW-Authenticate", a.buildWWWAuthenticate(invalidToken))
	code := "unauthorized"
	if invalidToken {
		code = "invalid_token"
	}
	writeJSONError(w, http.StatusUnauthorized, code, "")
}

// Middleware rejects requests without a valid Session Token. On success the
// request runs with its credential scope bound, and the scope is released
// when next returns, whether it succeeds, fails or panics.
func (a *SessionAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			a.unauthorized(w, RejectMissingToken, false)
			return
		}

		rec, err := a.resolver.Resolve(r.Context(), token)
		switch {
		case err == nil:
		case errors.Is(err, tokenstore.ErrVerification):
			logger.Warnw("rejected session token",
				"reason", "possible token tampering",
				"remote_addr", r.RemoteAddr,
				"error", err,
			)
			a.unauthorized(w, RejectVerification, true)
			return
		case errors.Is(err, tokenstore.ErrNotFound):
			logger.Debugw("rejected session token", "reason", "unknown or revoked session")
			a.unauthorized(w, RejectUnknownSession, true)
			return
		case errors.Is(err, tokenstore.ErrExpired):
			logger.Debugw("rejected session token", "reason", "expired")
			a.unauthorized(w, RejectExpired, true)
			return
		default:
			logger.Errorw("failed to resolve session token", "error", err)
			a.metrics.SessionRejection(RejectInternal)
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "")
			return
		}

		ctx, release, err := a.binder.Bind(r.Context(), rec)
		if err != nil {
			if errors.Is(err, upstream.ErrInvalidGrant) || errors.Is(err, upstream.ErrMissingCredential) {
				logger.Infow("upstream credential no longer valid, re-authorization required",
					"provider", rec.Provider, "subject", rec.Subject)
				a.unauthorized(w, RejectUpstreamGrant, true)
				return
			}
			logger.Errorw("failed to bind request credential",
				"provider", rec.Provider, "subject", rec.Subject, "error", err)
			a.metrics.SessionRejection(RejectInternal)
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "")
			return
		}
		defer release()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// EscapeQuotes escapes a string for use inside a quoted-string.
func EscapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
