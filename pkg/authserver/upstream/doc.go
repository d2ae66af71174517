// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream talks to the third-party OAuth 2.0 provider that owns the
// user's data.
//
// Every provider is driven through the [Provider] interface. Differences
// between providers (endpoints, extra authorize parameters, where the user
// identity comes from, which token field is the long-lived credential) live in
// [Config]; [Preset] returns ready-made configurations for the supported
// upstreams.
package upstream
