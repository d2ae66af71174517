// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stacklok/mcp-remote-auth/pkg/auth"
	"github.com/stacklok/mcp-remote-auth/pkg/logger"
)

// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the discovery endpoint (1 hour).
const DefaultDiscoveryCacheMaxAge = 3600

// AuthorizationServerMetadata is the RFC 8414 document served by the gateway.
type AuthorizationServerMetadata struct {
	Issuer                                 string   `json:"issuer"`
	AuthorizationEndpoint                  string   `json:"authorization_endpoint"`
	RevocationEndpoint                     string   `json:"revocation_endpoint"`
	ResponseTypesSupported                 []string `json:"response_types_supported"`
	CodeChallengeMethodsSupported          []string `json:"code_challenge_methods_supported"`
	RevocationEndpointAuthMethodsSupported []string `json:"revocation_endpoint_auth_methods_supported"`
	ScopesSupported                        []string `json:"scopes_supported,omitempty"`
}

func (h *Handler) authorizationServerMetadata() *AuthorizationServerMetadata {
	return &AuthorizationServerMetadata{
		Issuer:                                 h.config.BaseURL,
		AuthorizationEndpoint:                  h.endpointURL(AuthorizePath),
		RevocationEndpoint:                     h.endpointURL(RevokePath),
		ResponseTypesSupported:                 []string{"code"},
		CodeChallengeMethodsSupported:          []string{"S256"},
		RevocationEndpointAuthMethodsSupported: []string{"none"},
		ScopesSupported:                        h.upstream.DefaultScopes(),
	}
}

// OAuthDiscoveryHandler handles GET /.well-known/oauth-authorization-server requests.
func (h *Handler) OAuthDiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	data, err := json.Marshal(h.authorizationServerMetadata())
	if err != nil {
		logger.Errorw("failed to encode authorization server metadata", "error", err.Error())
		writeJSONError(w, http.StatusInternalServerError, codeInternal, "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultDiscoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

func (h *Handler) protectedResourceHandler() http.Handler {
	return auth.NewAuthInfoHandler(
		h.config.BaseURL,
		h.endpointURL(h.config.EndpointPath),
		h.config.ResourceName,
		h.upstream.DefaultScopes(),
	)
}
