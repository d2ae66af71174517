// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the gateway configuration from an optional YAML file,
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/mcp-remote-auth/pkg/authserver/storage"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/tokenstore"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/upstream"
	"github.com/stacklok/mcp-remote-auth/pkg/mcp"
)

// Config is the complete gateway configuration.
type Config struct {
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	SessionSecret   string        `mapstructure:"session_secret" yaml:"session_secret"`
	SessionLifetime time.Duration `mapstructure:"session_lifetime" yaml:"session_lifetime"`
	OnboardSecret   string        `mapstructure:"onboard_secret" yaml:"onboard_secret"`

	AdditionalAllowedHosts []string `mapstructure:"additional_allowed_hosts" yaml:"additional_allowed_hosts"`
	AllowedRedirectURIs    []string `mapstructure:"allowed_redirect_uris" yaml:"allowed_redirect_uris"`

	EndpointPath   string `mapstructure:"endpoint_path" yaml:"endpoint_path"`
	Stateless      bool   `mapstructure:"stateless" yaml:"stateless"`
	BodyInspection bool   `mapstructure:"body_inspection" yaml:"body_inspection"`
	MaxBodyBytes   int64  `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`

	// UpstreamCABundle is an optional PEM bundle for upstream TLS.
	UpstreamCABundle string `mapstructure:"upstream_ca_bundle" yaml:"upstream_ca_bundle"`

	Provider ProviderConfig `mapstructure:"provider" yaml:"provider"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
}

// ProviderConfig selects the upstream provider preset and its client credentials.
type ProviderConfig struct {
	Preset       string   `mapstructure:"preset" yaml:"preset"`
	ClientID     string   `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string   `mapstructure:"client_secret" yaml:"client_secret"`
	Scopes       []string `mapstructure:"scopes" yaml:"scopes"`
}

// StorageConfig selects the shared state backend.
type StorageConfig struct {
	Type  string      `mapstructure:"type" yaml:"type"`
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addrs      []string `mapstructure:"addrs" yaml:"addrs"`
	MasterName string   `mapstructure:"master_name" yaml:"master_name"`
	Username   string   `mapstructure:"username" yaml:"username"`
	Password   string   `mapstructure:"password" yaml:"password"`
	DB         int      `mapstructure:"db" yaml:"db"`
	KeyPrefix  string   `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// Address returns host:port for the listener.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// NormalizedBaseURL returns BaseURL without a trailing slash.
func (c *Config) NormalizedBaseURL() string {
	return strings.TrimSuffix(c.BaseURL, "/")
}

// CallbackURL is the redirect URI registered with the upstream provider.
func (c *Config) CallbackURL() string {
	return c.NormalizedBaseURL() + "/oauth/callback"
}

// UpstreamConfig resolves the provider preset and applies the client
// credentials and any scope override.
func (c *Config) UpstreamConfig() (upstream.Config, error) {
	cfg, err := upstream.Preset(c.Provider.Preset)
	if err != nil {
		return upstream.Config{}, err
	}
	cfg.ClientID = c.Provider.ClientID
	cfg.ClientSecret = c.Provider.ClientSecret
	cfg.RedirectURI = c.CallbackURL()
	if len(c.Provider.Scopes) > 0 {
		cfg.Scopes = c.Provider.Scopes
	}
	return cfg, nil
}

// StorageBackend returns the storage configuration.
func (c *Config) StorageBackend() storage.Config {
	return storage.Config{
		Type: storage.Type(c.Storage.Type),
		Redis: storage.RedisConfig{
			Addrs:      c.Storage.Redis.Addrs,
			MasterName: c.Storage.Redis.MasterName,
			Username:   c.Storage.Redis.Username,
			Password:   c.Storage.Redis.Password,
			DB:         c.Storage.Redis.DB,
			KeyPrefix:  c.Storage.Redis.KeyPrefix,
		},
	}
}

// Redacted returns a copy safe to log or print.
func (c *Config) Redacted() Config {
	out := *c
	redact := func(s *string) {
		if *s != "" {
			*s = "REDACTED"
		}
	}
	redact(&out.SessionSecret)
	redact(&out.OnboardSecret)
	redact(&out.Provider.ClientSecret)
	redact(&out.Storage.Redis.Password)
	return out
}

// Defaults for every key. Keys without a default are still listed so that
// environment variables reach Unmarshal.
var defaults = map[string]any{
	"host":                      "127.0.0.1",
	"port":                      8001,
	"base_url":                  "https://example.com",
	"session_secret":            "",
	"session_lifetime":          tokenstore.DefaultLifetime,
	"onboard_secret":            "",
	"additional_allowed_hosts":  []string{},
	"allowed_redirect_uris":     []string{},
	"endpoint_path":             "/mcp",
	"stateless":                 false,
	"body_inspection":           true,
	"max_body_bytes":            mcp.DefaultMaxBodyBytes,
	"upstream_ca_bundle":        "",
	"provider.preset":           upstream.PresetGoogleCalendar,
	"provider.client_id":        "",
	"provider.client_secret":    "",
	"provider.scopes":           []string{},
	"storage.type":              string(storage.TypeMemory),
	"storage.redis.addrs":       []string{},
	"storage.redis.master_name": "",
	"storage.redis.username":    "",
	"storage.redis.password":    "",
	"storage.redis.db":          0,
	"storage.redis.key_prefix":  storage.DefaultKeyPrefix,
}

// envBindings maps keys to environment variables. The first variable set wins.
var envBindings = map[string][]string{
	"host":                      {"HOST"},
	"port":                      {"PORT"},
	"base_url":                  {"BASE_URL"},
	"session_secret":            {"SESSION_SECRET"},
	"session_lifetime":          {"SESSION_LIFETIME"},
	"onboard_secret":            {"ONBOARD_SECRET"},
	"additional_allowed_hosts":  {"ADDITIONAL_ALLOWED_HOSTS"},
	"allowed_redirect_uris":     {"ALLOWED_REDIRECT_URIS"},
	"endpoint_path":             {"MCP_ENDPOINT_PATH"},
	"stateless":                 {"MCP_STATELESS"},
	"body_inspection":           {"BODY_INSPECTION"},
	"max_body_bytes":            {"MAX_BODY_BYTES"},
	"upstream_ca_bundle":        {"UPSTREAM_CA_BUNDLE"},
	"provider.preset":           {"PROVIDER"},
	"provider.client_id":        {"OAUTH_CLIENT_ID", "GCAL_OAUTH_CLIENT_ID", "NOTION_OAUTH_CLIENT_ID"},
	"provider.client_secret":    {"OAUTH_CLIENT_SECRET", "GCAL_OAUTH_CLIENT_SECRET", "NOTION_OAUTH_CLIENT_SECRET"},
	"storage.type":              {"STORAGE_TYPE"},
	"storage.redis.addrs":       {"REDIS_ADDRS"},
	"storage.redis.master_name": {"REDIS_MASTER_NAME"},
	"storage.redis.username":    {"REDIS_USERNAME"},
	"storage.redis.password":    {"REDIS_PASSWORD"},
	"storage.redis.db":          {"REDIS_DB"},
	"storage.redis.key_prefix":  {"REDIS_KEY_PREFIX"},
}

// SetDefaults registers defaults and environment bindings on v.
func SetDefaults(v *viper.Viper) error {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}
	return nil
}

// Load reads the optional config file at path and returns the merged
// configuration. It does not validate.
func Load(v *viper.Viper, path string) (*Config, error) {
	if err := SetDefaults(v); err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.AdditionalAllowedHosts = cleanList(cfg.AdditionalAllowedHosts)
	cfg.AllowedRedirectURIs = cleanList(cfg.AllowedRedirectURIs)
	cfg.Provider.Scopes = cleanList(cfg.Provider.Scopes)
	cfg.Storage.Redis.Addrs = cleanList(cfg.Storage.Redis.Addrs)
	return cfg, nil
}

// cleanList trims entries and drops empty ones. A single entry holding
// commas, as YAML scalars do, is split.
func cleanList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
