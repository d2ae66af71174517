// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcp-remote-auth/pkg/gateway"
	"github.com/stacklok/mcp-remote-auth/pkg/logger"
	"github.com/stacklok/mcp-remote-auth/pkg/versions"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway and serve until interrupted.

The MCP endpoint, the OAuth endpoints under /oauth, the discovery documents
under /.well-known, /health and /metrics share one listener.`,
		RunE: runServe,
	}

	cmd.Flags().String("host", "", "Host address to bind to (overrides HOST)")
	cmd.Flags().Int("port", 0, "Port to listen on (overrides PORT)")
	cmd.Flags().String("base-url", "", "Public base URL of the gateway (overrides BASE_URL)")
	cmd.Flags().String("provider", "", "Upstream provider preset (overrides PROVIDER)")

	for key, flag := range map[string]string{
		"host":            "host",
		"port":            "port",
		"base_url":        "base-url",
		"provider.preset": "provider",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			logger.Errorf("Error binding %s flag: %v", flag, err)
		}
	}

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	info := versions.GetVersionInfo()
	logger.Infow("starting mcp-remote-auth",
		"version", info.Version,
		"commit", info.Commit,
		"provider", cfg.Provider.Preset,
		"storage", cfg.Storage.Type,
	)

	g, err := gateway.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	defer func() {
		if err := g.Close(); err != nil {
			logger.Warnw("failed to close gateway", "error", err)
		}
	}()

	return g.ListenAndServe(ctx)
}
