// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the command-line interface for mcp-remote-auth.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcp-remote-auth/pkg/config"
	"github.com/stacklok/mcp-remote-auth/pkg/logger"
)

// NewRootCmd creates the root command. Each call builds a fresh command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "mcp-remote-auth",
		DisableAutoGenTag: true,
		Short:             "OAuth gateway for remote MCP tool servers",
		Long: `mcp-remote-auth serves an MCP tool server over streamable HTTP behind an
OAuth proxy. Discovery and tool listing stay public; every other method needs a
session token minted after the user authorizes the upstream provider (Google
Calendar or Notion).

Configuration is read from an optional YAML file (--config) and from
environment variables, which take precedence over the file.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// loadConfig reads the configuration from the file named by --config, the
// environment and any flags bound on the global viper instance.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper(), viper.GetString("config"))
}
