// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/stacklok/mcp-remote-auth/pkg/logger"
)

// OnboardHandler handles GET /onboard?secret= requests. A correct secret
// starts the authorize flow with the onboarding scopes, returning to
// /onboard/complete.
func (h *Handler) OnboardHandler(w http.ResponseWriter, req *http.Request) {
	secret := req.URL.Query().Get("secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.config.OnboardSecret)) != 1 {
		logger.Warnw("onboarding request with a wrong secret", "remote_addr", req.RemoteAddr)
		writeJSONError(w, http.StatusForbidden, "forbidden", "")
		return
	}

	h.startAuthorization(w, req, h.onboardCompleteURL(), "", h.upstream.OnboardScopes())
}

// OnboardCompleteHandler renders the issued session token as plain text so
// it can be pasted into a client configuration.
func (h *Handler) OnboardCompleteHandler(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	token := q.Get("access_token")
	if token == "" {
		writeJSONError(w, http.StatusBadRequest, codeMissingParams, "")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Referrer-Policy", "no-referrer")
	_, _ = fmt.Fprintf(w, "Authorization complete.\n\n"+
		"Configure your MCP client with this bearer token for %s:\n\n%s\n\n"+
		"It expires in %s seconds.\n",
		h.endpointURL(h.config.EndpointPath), token, q.Get("expires_in"))
}
