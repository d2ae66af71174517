// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package apiclient holds the request plumbing shared by the upstream API clients.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/stacklok/mcp-remote-auth/pkg/networking"
)

// maxErrorPreview bounds how much of an error body ends up in an HTTPError.
const maxErrorPreview = 512

// maxResponseBytes bounds a decoded success body.
const maxResponseBytes = 8 << 20

// OAuthClient returns an *http.Client that sends token as a bearer
// credential over base. A nil base uses http.DefaultClient.
func OAuthClient(ctx context.Context, base *http.Client, token *oauth2.Token) *http.Client {
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))
}

// Do sends a request with an optional JSON body and decodes a JSON response
// into out. Non-2xx responses become *networking.HTTPError, with the message
// taken from the first of messagePaths present in the body.
func Do(
	ctx context.Context,
	client networking.HTTPClient,
	method, url string,
	headers map[string]string,
	in, out any,
	messagePaths ...string,
) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return networking.NewHTTPError(resp.StatusCode, req.URL.Redacted(), errorMessage(data, messagePaths))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func errorMessage(data []byte, paths []string) string {
	if gjson.ValidBytes(data) {
		for _, p := range paths {
			if r := gjson.GetBytes(data, p); r.Exists() && r.String() != "" {
				return r.String()
			}
		}
	}
	if len(data) > maxErrorPreview {
		data = data[:maxErrorPreview]
	}
	return string(data)
}
