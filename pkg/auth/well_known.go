// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/stacklok/mcp-remote-auth/pkg/logger"
)

// WellKnownOAuthResourcePath is the RFC 9728 protected resource metadata path.
const WellKnownOAuthResourcePath = "/.well-known/oauth-protected-resource"

// ResourceMetadataURL returns the metadata URL advertised in 401 challenges.
func ResourceMetadataURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + WellKnownOAuthResourcePath
}

// RFC9728AuthInfo represents the OAuth Protected Resource metadata as defined in RFC 9728
type RFC9728AuthInfo struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// NewAuthInfoHandler serves RFC 9728 metadata for resourceURL, naming
// authServer as its only authorization server.
func NewAuthInfoHandler(authServer, resourceURL, resourceName string, scopes []string) http.Handler {
	info := RFC9728AuthInfo{
		Resource:               resourceURL,
		AuthorizationServers:   []string{authServer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        scopes,
		ResourceName:           resourceName,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "mcp-protocol-version, Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(info); err != nil {
			logger.Errorf("Failed to encode OAuth discovery response: %v", err)
		}
	})
}
