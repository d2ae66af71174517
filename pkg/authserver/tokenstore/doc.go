// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokenstore issues and resolves Session Tokens.
//
// A Session Token is an HS256-signed JWT whose jti names a session held in
// storage. The session points at the upstream credential record for its
// (provider, subject) pair. Resolving a token therefore distinguishes three
// outcomes: the signature does not verify (ErrVerification), the token
// verifies but its session was revoked or never existed (ErrNotFound), and
// the token outlived its lifetime (ErrExpired).
//
// Calls into storage are retried a small, bounded number of times. Lookups
// that report a missing entry are not retried.
package tokenstore
