// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/stacklok/mcp-remote-auth/pkg/authserver/storage"
	"github.com/stacklok/mcp-remote-auth/pkg/logger"
)

// AuthorizeHandler handles GET /oauth/authorize requests.
// It validates the client's redirect target and redirects to the upstream provider.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if !h.redirectAllowed(redirectURI) {
		logger.Debugw("rejected authorize request", "redirect_uri", redirectURI)
		writeJSONError(w, http.StatusBadRequest, "invalid_redirect_uri", "")
		return
	}

	h.startAuthorization(w, req, redirectURI, q.Get("state"), h.upstream.DefaultScopes())
}

// startAuthorization stores a pending authorization under a fresh nonce and
// redirects the user agent to the upstream authorize URL.
func (h *Handler) startAuthorization(w http.ResponseWriter, req *http.Request, redirectURI, clientState string, scopes []string) {
	ctx := req.Context()

	verifier := oauth2.GenerateVerifier()
	pending := &storage.PendingAuthorization{
		State:             rand.Text(),
		ClientRedirectURI: redirectURI,
		ClientState:       clientState,
		PKCEVerifier:      verifier,
		Scopes:            scopes,
		CreatedAt:         time.Now(),
	}

	if err := h.storage.StorePendingAuthorization(ctx, pending); err != nil {
		logger.Errorw("failed to store pending authorization", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	upstreamURL, err := h.upstream.AuthorizationURL(pending.State, oauth2.S256ChallengeFromVerifier(verifier), scopes)
	if err != nil {
		logger.Errorw("failed to build upstream authorization URL", "error", err)
		h.discardPending(ctx, pending.State)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	http.Redirect(w, req, upstreamURL, http.StatusFound)
}

func (h *Handler) discardPending(ctx context.Context, state string) {
	if _, err := h.storage.ConsumePendingAuthorization(ctx, state); err != nil &&
		!errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrExpired) {
		logger.Warnw("failed to discard pending authorization", "error", err)
	}
}

// redirectAllowed reports whether raw matches an allowed redirect target on
// scheme, host and path.
func (h *Handler) redirectAllowed(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := parseRedirectURI(raw)
	if err != nil {
		return false
	}
	return slices.ContainsFunc(h.allowedRedirects, func(allowed *url.URL) bool {
		return strings.EqualFold(allowed.Scheme, u.Scheme) &&
			strings.EqualFold(allowed.Host, u.Host) &&
			allowed.Path == u.Path
	})
}

var errInvalidRedirect = errors.New("redirect URI must be an absolute http(s) URL without a fragment")

func parseRedirectURI(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() || u.Host == "" || u.Fragment != "" || u.User != nil {
		return nil, errInvalidRedirect
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
		return nil, errInvalidRedirect
	}
	return u, nil
}
