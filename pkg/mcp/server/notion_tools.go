// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/mcp-remote-auth/pkg/apis/notion"
	"github.com/stacklok/mcp-remote-auth/pkg/auth/scope"
)

// NotionTools serves search and get_page.
type NotionTools struct {
	Clients scope.Accessor[*notion.Client]
}

// Register implements Toolset.
func (t *NotionTools) Register(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("search",
		mcp.WithDescription("Search pages and databases shared with the integration"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("query", mcp.Description("Text to search titles for")),
		mcp.WithString("filter",
			mcp.Description("Restrict results to one object type"),
			mcp.Enum("page", "database")),
		mcp.WithNumber("page_size", mcp.Description("Maximum number of results"), mcp.Min(1), mcp.Max(100)),
	), t.Search)

	s.AddTool(mcp.NewTool("get_page",
		mcp.WithDescription("Fetch a page with its properties and top-level text"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("page_id", mcp.Required(), mcp.Description("Page id or URL slug id")),
	), t.GetPage)
}

// SearchResponse is the result of search.
type SearchResponse struct {
	Results []notion.Object `json:"results"`
}

// Search handles the search tool.
func (t *NotionTools) Search(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	client, err := t.Clients(ctx)
	if err != nil {
		return nil, err
	}

	filter := request.GetString("filter", "")
	if filter != "" && filter != "page" && filter != "database" {
		return mcp.NewToolResultError(`filter must be "page" or "database"`), nil
	}
	results, err := client.Search(ctx, notion.SearchOptions{
		Query:    request.GetString("query", ""),
		Filter:   filter,
		PageSize: request.GetInt("page_size", 0),
	})
	if err != nil {
		return upstreamFailure(ctx, "search", err), nil
	}
	if results == nil {
		results = []notion.Object{}
	}
	return jsonResult(SearchResponse{Results: results})
}

// GetPage handles the get_page tool.
func (t *NotionTools) GetPage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	client, err := t.Clients(ctx)
	if err != nil {
		return nil, err
	}

	pageID, err := request.RequireString("page_id")
	if err != nil || pageID == "" {
		return mcp.NewToolResultError("page_id is required"), nil
	}
	page, err := client.GetPage(ctx, pageID)
	if err != nil {
		return upstreamFailure(ctx, "get_page", err), nil
	}
	return jsonResult(page)
}
