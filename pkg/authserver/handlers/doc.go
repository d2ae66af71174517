// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides the HTTP surface of the OAuth proxy.
//
// The gateway stands between an MCP client and a single upstream OAuth
// provider. The handlers here implement:
//   - GET /oauth/authorize: stores a pending authorization and redirects upstream
//   - GET /oauth/callback: exchanges the code, stores the upstream credential
//     and redirects back to the client with a signed session token
//   - POST /oauth/revoke: revokes a session token (RFC 7009 style)
//   - GET /onboard and /onboard/complete: secret-gated manual onboarding
//   - RFC 8414 and RFC 9728 discovery documents
//
// The Handler struct coordinates all handlers and provides route registration
// methods for integrating with a chi router.
package handlers
