// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stacklok/mcp-remote-auth/pkg/networking"
)

type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	TokenType    string      `json:"token_type"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    json.Number `json:"expires_in"`
	Scope        string      `json:"scope"`
	Error        string      `json:"error"`
	ErrorDesc    string      `json:"error_description"`
}

// parseTokenResponse turns a token endpoint response into Tokens. An RFC 6749
// invalid_grant error maps to ErrInvalidGrant.
func parseTokenResponse(body []byte, status int, endpoint string) (*Tokens, error) {
	var tr tokenResponse
	decodeErr := json.Unmarshal(body, &tr)

	if status != http.StatusOK {
		httpErr := networking.NewHTTPError(status, endpoint, preview(body))
		if decodeErr == nil && tr.Error == "invalid_grant" {
			return nil, fmt.Errorf("%w: %w", ErrInvalidGrant, httpErr)
		}
		return nil, fmt.Errorf("token endpoint returned an error: %w", httpErr)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", decodeErr)
	}
	if tr.Error != "" {
		if tr.Error == "invalid_grant" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidGrant, tr.ErrorDesc)
		}
		return nil, fmt.Errorf("token endpoint returned error %q", tr.Error)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token response has no access_token")
	}
	if tr.TokenType != "" && !strings.EqualFold(tr.TokenType, "bearer") {
		return nil, fmt.Errorf("unsupported token type %q", tr.TokenType)
	}

	tokens := &Tokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Raw:          body,
	}
	if tr.ExpiresIn != "" {
		secs, err := tr.ExpiresIn.Int64()
		if err != nil {
			return nil, fmt.Errorf("invalid expires_in %q: %w", tr.ExpiresIn, err)
		}
		if secs > 0 {
			tokens.ExpiresAt = time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	if tr.Scope != "" {
		tokens.Scopes = strings.Fields(tr.Scope)
	}
	return tokens, nil
}

// preview returns a bounded, single-line excerpt of an upstream body for errors.
func preview(body []byte) string {
	const limit = 256
	s := strings.Join(strings.Fields(string(body)), " ")
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
