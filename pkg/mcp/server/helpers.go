// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcp-remote-auth/pkg/logger"
	"github.com/stacklok/mcp-remote-auth/pkg/networking"
)

// upstreamFailure turns an upstream API error into a tool error result.
// Upstream bodies are logged, not returned.
func upstreamFailure(ctx context.Context, tool string, err error) *mcp.CallToolResult {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return mcp.NewToolResultError("request cancelled")
	}
	logger.Warnw("upstream API call failed", "tool", tool, "error", err)

	var httpErr *networking.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return mcp.NewToolResultError("the upstream provider rejected the stored credential; authorize again")
		case http.StatusNotFound:
			return mcp.NewToolResultError("not found")
		default:
			return mcp.NewToolResultError(fmt.Sprintf("upstream request failed with HTTP %d", httpErr.StatusCode))
		}
	}
	return mcp.NewToolResultError("upstream request failed")
}

// jsonResult wraps data as structured content with a JSON text fallback.
func jsonResult[T any](data T) (*mcp.CallToolResult, error) {
	res, err := mcp.NewToolResultJSON(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return res, nil
}
