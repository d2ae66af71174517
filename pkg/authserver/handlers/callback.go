// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/stacklok/mcp-remote-auth/pkg/authserver/storage"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/tokenstore"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/upstream"
	"github.com/stacklok/mcp-remote-auth/pkg/logger"
)

// Callback error codes and metric outcomes.
const (
	codeUpstreamError  = "upstream_oauth_error"
	codeMissingParams  = "missing_params"
	codeStateMismatch  = "state_mismatch"
	codeCallbackFailed = "callback_failed"
	codeInternal       = "internal_error"

	outcomeSuccess = "success"
)

// CallbackHandler handles GET /oauth/callback requests from the upstream provider.
// It consumes the pending authorization, exchanges the code, stores the
// upstream credential and redirects to the client with a session token.
func (h *Handler) CallbackHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		if state := q.Get("state"); state != "" {
			h.discardPending(ctx, state)
		}
		logger.Infow("upstream provider returned an error",
			"provider", h.upstream.ID(),
			"error", upstreamErr,
			"error_description", q.Get("error_description"),
		)
		h.callbackError(w, http.StatusBadRequest, codeUpstreamError, upstreamErr)
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		h.callbackError(w, http.StatusBadRequest, codeMissingParams, "")
		return
	}

	pending, err := h.storage.ConsumePendingAuthorization(ctx, state)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) ||
			errors.Is(err, storage.ErrInvalidArgument) {
			logger.Debugw("callback state did not match a pending authorization", "error", err)
			h.callbackError(w, http.StatusBadRequest, codeStateMismatch, "")
			return
		}
		logger.Errorw("failed to load pending authorization", "error", err)
		h.callbackError(w, http.StatusInternalServerError, codeInternal, "")
		return
	}

	// The code is single use, so nothing below is retried.
	tokens, err := h.upstream.ExchangeCode(ctx, code, pending.PKCEVerifier)
	if err != nil {
		logger.Warnw("upstream code exchange failed", "provider", h.upstream.ID(), "error", err)
		detail := "code exchange with the upstream provider failed"
		if errors.Is(err, upstream.ErrInvalidGrant) {
			detail = "the upstream provider rejected the authorization code"
		}
		h.callbackError(w, http.StatusBadRequest, codeCallbackFailed, detail)
		return
	}

	subject, err := h.upstream.ResolveIdentity(ctx, tokens)
	if err != nil {
		logger.Warnw("failed to resolve upstream identity", "provider", h.upstream.ID(), "error", err)
		h.callbackError(w, http.StatusBadRequest, codeCallbackFailed, "could not resolve the user identity")
		return
	}

	credential, err := h.upstream.LongLivedCredential(tokens)
	if err != nil {
		logger.Warnw("upstream returned no long-lived credential", "provider", h.upstream.ID(), "error", err)
		h.callbackError(w, http.StatusBadRequest, codeCallbackFailed, "the upstream provider did not grant offline access")
		return
	}

	scopes := tokens.Scopes
	if len(scopes) == 0 {
		scopes = pending.Scopes
	}
	issued, err := h.tokens.Issue(ctx, &storage.CredentialRecord{
		Provider:      h.upstream.ID(),
		Subject:       subject,
		RefreshToken:  credential,
		Scopes:        scopes,
		LastValidated: time.Now(),
	})
	if err != nil {
		logger.Errorw("failed to issue session token", "provider", h.upstream.ID(), "error", err)
		h.callbackError(w, http.StatusInternalServerError, codeInternal, "")
		return
	}

	target, err := clientRedirect(pending.ClientRedirectURI, issued, pending.ClientState)
	if err != nil {
		logger.Errorw("stored client redirect URI is invalid", "error", err)
		h.callbackError(w, http.StatusInternalServerError, codeInternal, "")
		return
	}

	h.metrics.CallbackOutcome(outcomeSuccess)
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, req, target, http.StatusFound)
}

func (h *Handler) callbackError(w http.ResponseWriter, status int, code, detail string) {
	h.metrics.CallbackOutcome(code)
	writeJSONError(w, status, code, detail)
}

// clientRedirect appends the session token parameters to target, keeping
// any query it already carries.
func clientRedirect(target string, issued *tokenstore.IssuedToken, clientState string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("access_token", issued.Token)
	q.Set("token_type", "Bearer")
	q.Set("expires_in", strconv.FormatInt(int64(issued.ExpiresIn()/time.Second), 10))
	if clientState != "" {
		q.Set("state", clientState)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
