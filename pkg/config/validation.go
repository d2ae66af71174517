// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	neturl "net/url"
	"strings"

	"github.com/stacklok/mcp-remote-auth/pkg/authserver/storage"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/tokenstore"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/upstream"
)

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch {
	case c.SessionSecret == "":
		add("session_secret is required")
	case len(c.SessionSecret) < tokenstore.MinSecretLength:
		add("session_secret must be at least %d bytes", tokenstore.MinSecretLength)
	}
	if c.SessionLifetime <= 0 {
		add("session_lifetime must be positive")
	}

	if err := validateURL(c.BaseURL); err != nil {
		add("base_url: %w", err)
	}
	for _, raw := range c.AllowedRedirectURIs {
		if err := validateURL(raw); err != nil {
			add("allowed_redirect_uris: %q: %w", raw, err)
		}
	}

	if c.Port < 1 || c.Port > 65535 {
		add("port %d is out of range", c.Port)
	}
	if !strings.HasPrefix(c.EndpointPath, "/") {
		add("endpoint_path must start with /")
	}
	if c.MaxBodyBytes <= 0 {
		add("max_body_bytes must be positive")
	}

	if c.Provider.ClientID == "" {
		add("provider.client_id is required")
	}
	if c.Provider.ClientSecret == "" {
		add("provider.client_secret is required")
	}
	if up, err := c.UpstreamConfig(); err != nil {
		errs = append(errs, err)
	} else if c.Provider.ClientID != "" && c.Provider.ClientSecret != "" {
		if err := up.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	switch storage.Type(c.Storage.Type) {
	case storage.TypeMemory:
	case storage.TypeRedis:
		if len(c.Storage.Redis.Addrs) == 0 {
			add("storage.redis.addrs is required for redis storage")
		}
	default:
		add("storage.type %q is not one of %q, %q", c.Storage.Type, storage.TypeMemory, storage.TypeRedis)
	}

	return errors.Join(errs...)
}

func validateURL(raw string) error {
	u, err := neturl.Parse(raw)
	if err != nil {
		return err
	}
	if !u.IsAbs() || u.Host == "" {
		return errors.New("must be an absolute URL")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return nil
}

// Providers lists the supported presets, for help text.
func Providers() []string {
	return upstream.PresetNames()
}
