// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server wires the MCP protocol engine and the tools it serves.
package server

import (
	"net/http"

	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/mcp-remote-auth/pkg/versions"
)

// DefaultEndpointPath is where the streamable HTTP transport is served.
const DefaultEndpointPath = "/mcp"

// Toolset registers a group of tools on an MCP server.
type Toolset interface {
	Register(s *server.MCPServer)
}

// Config holds the configuration for the MCP server
type Config struct {
	// Name is reported to clients during initialization.
	Name         string
	Instructions string
	EndpointPath string

	// Stateless disables Mcp-Session-Id tracking, so any replica can serve
	// any request.
	Stateless bool

	// ContextFunc builds the context tool handlers run in from the inbound
	// request. Use scope.HTTPContextFunc to carry the bound client.
	ContextFunc server.HTTPContextFunc
}

// Server is the protocol engine: an MCPServer behind the streamable HTTP transport.
type Server struct {
	config     Config
	mcpServer  *server.MCPServer
	streamable *server.StreamableHTTPServer
}

// New creates the MCP server and registers every toolset on it.
func New(config Config, toolsets ...Toolset) *Server {
	if config.EndpointPath == "" {
		config.EndpointPath = DefaultEndpointPath
	}

	opts := []server.ServerOption{
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	}
	if config.Instructions != "" {
		opts = append(opts, server.WithInstructions(config.Instructions))
	}
	mcpServer := server.NewMCPServer(config.Name, versions.GetVersionInfo().Version, opts...)

	for _, ts := range toolsets {
		ts.Register(mcpServer)
	}

	httpOpts := []server.StreamableHTTPOption{
		server.WithEndpointPath(config.EndpointPath),
		server.WithStateLess(config.Stateless),
	}
	if config.ContextFunc != nil {
		httpOpts = append(httpOpts, server.WithHTTPContextFunc(config.ContextFunc))
	}

	return &Server{
		config:     config,
		mcpServer:  mcpServer,
		streamable: server.NewStreamableHTTPServer(mcpServer, httpOpts...),
	}
}

// Handler returns the HTTP handler for the endpoint. It is meant to sit
// behind the auth gate and is mounted at EndpointPath.
func (s *Server) Handler() http.Handler {
	return s.streamable
}

// EndpointPath returns the path the handler must be mounted at.
func (s *Server) EndpointPath() string {
	return s.config.EndpointPath
}

// MCPServer exposes the underlying server, mainly for tests.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}
