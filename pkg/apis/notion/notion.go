// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package notion is a small Notion API client, built per request from the
// caller's integration token.
package notion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/stacklok/mcp-remote-auth/pkg/apis/internal/apiclient"
	"github.com/stacklok/mcp-remote-auth/pkg/authserver/upstream"
	"github.com/stacklok/mcp-remote-auth/pkg/networking"
)

// DefaultBaseURL is the Notion API root.
const DefaultBaseURL = "https://api.notion.com/v1"

const maxBlockPages = 10

// Client calls the Notion API on behalf of one workspace member.
type Client struct {
	http    networking.HTTPClient
	baseURL string
}

// New wraps an already authenticated HTTP client.
func New(httpClient networking.HTTPClient, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{http: httpClient, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// NewFactory returns a function that builds a Client for an access token,
// sending requests through base.
func NewFactory(base *http.Client, baseURL string) func(context.Context, *oauth2.Token) (*Client, error) {
	return func(ctx context.Context, token *oauth2.Token) (*Client, error) {
		if token == nil || token.AccessToken == "" {
			return nil, errors.New("notion: access token is required")
		}
		return New(apiclient.OAuthClient(context.WithoutCancel(ctx), base, token), baseURL), nil
	}
}

// Object is the summary of a page or database.
type Object struct {
	Object         string `json:"object"`
	ID             string `json:"id"`
	Title          string `json:"title"`
	URL            string `json:"url,omitempty"`
	LastEditedTime string `json:"last_edited_time,omitempty"`
	Archived       bool   `json:"archived,omitempty"`

	// Properties is the raw property map of a page.
	Properties json.RawMessage `json:"properties,omitempty"`
}

// Page is a page with its top-level text content.
type Page struct {
	Object
	Content []string `json:"content,omitempty"`
}

// SearchOptions narrows Search.
type SearchOptions struct {
	Query string
	// Filter restricts results to "page" or "database".
	Filter string
	// PageSize caps the number of results. Zero means 20.
	PageSize int
}

type searchRequest struct {
	Query    string            `json:"query,omitempty"`
	Filter   map[string]string `json:"filter,omitempty"`
	PageSize int               `json:"page_size,omitempty"`
}

type listResponse struct {
	Results    []json.RawMessage `json:"results"`
	HasMore    bool              `json:"has_more"`
	NextCursor string            `json:"next_cursor"`
}

// Search finds pages and databases shared with the integration.
func (c *Client) Search(ctx context.Context, opts SearchOptions) ([]Object, error) {
	size := opts.PageSize
	if size <= 0 {
		size = 20
	}
	body := searchRequest{Query: opts.Query, PageSize: min(size, 100)}
	switch opts.Filter {
	case "":
	case "page", "database":
		body.Filter = map[string]string{"property": "object", "value": opts.Filter}
	default:
		return nil, errors.New(`notion: filter must be "page" or "database"`)
	}

	var resp listResponse
	if err := c.do(ctx, http.MethodPost, "/search", body, &resp); err != nil {
		return nil, err
	}
	out := make([]Object, 0, len(resp.Results))
	for _, raw := range resp.Results {
		o := parseObject(raw)
		o.Properties = nil
		out = append(out, o)
	}
	return out, nil
}

// GetPage returns the page and the plain text of its top-level blocks.
func (c *Client) GetPage(ctx context.Context, pageID string) (*Page, error) {
	if pageID == "" {
		return nil, errors.New("notion: page id is required")
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/pages/"+url.PathEscape(pageID), nil, &raw); err != nil {
		return nil, err
	}
	page := &Page{Object: parseObject(raw)}

	cursor := ""
	for range maxBlockPages {
		q := url.Values{"page_size": {"100"}}
		if cursor != "" {
			q.Set("start_cursor", cursor)
		}
		var blocks listResponse
		if err := c.do(ctx, http.MethodGet, "/blocks/"+url.PathEscape(pageID)+"/children?"+q.Encode(), nil, &blocks); err != nil {
			return nil, err
		}
		for _, b := range blocks.Results {
			if text := blockText(b); text != "" {
				page.Content = append(page.Content, text)
			}
		}
		if !blocks.HasMore || blocks.NextCursor == "" {
			break
		}
		cursor = blocks.NextCursor
	}
	return page, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	headers := map[string]string{"Notion-Version": upstream.NotionAPIVersion}
	return apiclient.Do(ctx, c.http, method, c.baseURL+path, headers, in, out, "message")
}

func parseObject(raw []byte) Object {
	r := gjson.ParseBytes(raw)
	o := Object{
		Object:         r.Get("object").String(),
		ID:             r.Get("id").String(),
		URL:            r.Get("url").String(),
		LastEditedTime: r.Get("last_edited_time").String(),
		Archived:       r.Get("archived").Bool(),
	}
	if props := r.Get("properties"); props.IsObject() {
		o.Properties = json.RawMessage(props.Raw)
	}

	// Pages keep their title in the property of type "title"; databases
	// carry a top-level title array.
	title := r.Get(`properties.@values.#(type=="title").title.#.plain_text`)
	if !title.Exists() {
		title = r.Get("title.#.plain_text")
	}
	o.Title = joinText(title)
	return o
}

func blockText(raw []byte) string {
	r := gjson.ParseBytes(raw)
	kind := r.Get("type").String()
	if kind == "" {
		return ""
	}
	return joinText(r.Get(kind + ".rich_text.#.plain_text"))
}

func joinText(r gjson.Result) string {
	var b strings.Builder
	for _, part := range r.Array() {
		b.WriteString(part.String())
	}
	return b.String()
}
