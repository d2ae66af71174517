// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"net/http"

	"github.com/stacklok/mcp-remote-auth/pkg/logger"
	"github.com/stacklok/mcp-remote-auth/pkg/mcp"
	"github.com/stacklok/mcp-remote-auth/pkg/telemetry"
)

// Gate decision reasons, used as the metric label.
const (
	ReasonSessionControl     = "session_control"
	ReasonInspectionDisabled = "inspection_disabled"
	ReasonPublicMethods      = "public_methods"
	ReasonProtectedMethod    = "protected_method"
	ReasonUnclassified       = "unclassified"
)

// GateConfig configures Gate.
type GateConfig struct {
	// BodyInspection enables method classification. When false every
	// request is routed to the enforcing handler.
	BodyInspection bool

	// MaxBodyBytes bounds the buffered body. Zero means mcp.DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// PublicMethods overrides mcp.PublicMethods.
	PublicMethods mcp.MethodSet

	Metrics *telemetry.Metrics
}

// Gate routes each request to bypass or enforce.
//
// Only POST requests can bypass, and only when every JSON-RPC method in the
// body is public. Anything else, including a body that cannot be classified,
// goes to enforce. Whichever handler runs sees the original body bytes.
// When the client disconnects while the body is read, neither handler runs.
func Gate(cfg GateConfig, bypass, enforce http.Handler) http.Handler {
	public := cfg.PublicMethods
	if public == nil {
		public = mcp.PublicMethods
	}

	route := func(w http.ResponseWriter, r *http.Request, h http.Handler, name, reason string, methods mcp.MethodSet) {
		cfg.Metrics.GateDecision(name, reason)
		logger.Debugw("auth gate decision",
			"route", name,
			"reason", reason,
			"http_method", r.Method,
			"rpc_methods", methods.String(),
		)
		h.ServeHTTP(w, r)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			route(w, r, enforce, telemetry.RouteEnforce, ReasonSessionControl, nil)
			return
		}
		if !cfg.BodyInspection {
			route(w, r, enforce, telemetry.RouteEnforce, ReasonInspectionDisabled, nil)
			return
		}

		body, err := mcp.BufferRequestBody(r, cfg.MaxBodyBytes)
		switch {
		case errors.Is(err, mcp.ErrBodyTooLarge):
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large", "")
			return
		case err != nil:
			logger.Debugw("dropping request, body could not be read", "error", err)
			return
		}

		methods := mcp.ParseMethods(body.Bytes())
		replay := body.Replay(r)

		switch {
		case methods.SubsetOf(public):
			route(w, replay, bypass, telemetry.RouteBypass, ReasonPublicMethods, methods)
		case len(methods) == 0:
			route(w, replay, enforce, telemetry.RouteEnforce, ReasonUnclassified, methods)
		default:
			route(w, replay, enforce, telemetry.RouteEnforce, ReasonProtectedMethod, methods)
		}
	})
}
