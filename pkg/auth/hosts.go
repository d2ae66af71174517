// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"

	"github.com/stacklok/mcp-remote-auth/pkg/logger"
)

// HostValidation rejects requests whose Host header is not in allowed with
// 421 Misdirected Request. Loopback hosts are always accepted, and paths in
// exempt skip the check.
func HostValidation(allowed []string, exempt ...string) func(http.Handler) http.Handler {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, h := range allowed {
		if h = normalizeHost(h); h != "" {
			allowedSet[h] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(exempt, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			host := normalizeHost(r.Host)
			if _, ok := allowedSet[host]; ok || isLoopbackHost(host) {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warnw("rejected request for unexpected host", "host", r.Host, "path", r.URL.Path)
			writeJSONError(w, http.StatusMisdirectedRequest, "misdirected_request", "")
		})
	}
}

// normalizeHost lowercases a host and strips any port and IPv6 brackets.
func normalizeHost(hostport string) string {
	hostport = strings.ToLower(strings.TrimSpace(hostport))
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.Trim(hostport, "[]")
}

func isLoopbackHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.IsLoopback()
}
