// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth guards the MCP endpoint.
//
// Gate decides per request whether the JSON-RPC methods in the body may be
// served without a credential. SessionAuthenticator verifies Session Tokens
// and binds the per-request upstream client. HostValidation and the RFC 9728
// metadata handler complete the HTTP surface around them.
package auth
