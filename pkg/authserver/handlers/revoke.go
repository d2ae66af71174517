// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"

	"github.com/stacklok/mcp-remote-auth/pkg/auth"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/tokenstore"
	"github.com/stacklok/mcp-remote-auth/pkg/logger"
)

const maxRevokeFormBytes = 64 << 10

// RevokeHandler handles POST /oauth/revoke requests.
// The token comes from the Authorization header or the "token" form field.
// Unknown and already revoked tokens are answered with 200, as RFC 7009 asks.
func (h *Handler) RevokeHandler(w http.ResponseWriter, req *http.Request) {
	token, ok := auth.BearerToken(req)
	if !ok {
		req.Body = http.MaxBytesReader(w, req.Body, maxRevokeFormBytes)
		if err := req.ParseForm(); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
			return
		}
		token = req.PostForm.Get("token")
	}
	if token == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "missing token")
		return
	}

	err := h.tokens.Revoke(req.Context(), token)
	switch {
	case err == nil:
		logger.Debugw("session revoked")
	case errors.Is(err, tokenstore.ErrNotFound), errors.Is(err, tokenstore.ErrExpired):
		logger.Debugw("revocation of unknown session", "error", err)
	case errors.Is(err, tokenstore.ErrVerification):
		logger.Warnw("revocation with a token that failed verification", "reason", "possible token tampering")
		writeJSONError(w, http.StatusBadRequest, "invalid_token", "")
		return
	default:
		logger.Errorw("failed to revoke session", "error", err)
		writeJSONError(w, http.StatusInternalServerError, codeInternal, "")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}
