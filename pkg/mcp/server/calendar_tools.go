// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/mcp-remote-auth/pkg/apis/gcal"
	"github.com/stacklok/mcp-remote-auth/pkg/auth/scope"
)

// defaultEventWindow is the list_events range when time_max is omitted.
const defaultEventWindow = 7 * 24 * time.Hour

// CalendarTools serves list_calendars and list_events.
type CalendarTools struct {
	// Clients returns the calendar client bound to the request.
	Clients scope.Accessor[*gcal.Client]

	// Now defaults to time.Now.
	Now func() time.Time
}

// Register implements Toolset.
func (t *CalendarTools) Register(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("list_calendars",
		mcp.WithDescription("List the calendars on the authenticated user's calendar list"),
		mcp.WithReadOnlyHintAnnotation(true),
	), t.ListCalendars)

	s.AddTool(mcp.NewTool("list_events",
		mcp.WithDescription("List events of a calendar in a time range, ordered by start time"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("calendar_id",
			mcp.Description(`Calendar to read. Defaults to "primary".`)),
		mcp.WithString("time_min",
			mcp.Description("RFC 3339 lower bound (inclusive). Defaults to now.")),
		mcp.WithString("time_max",
			mcp.Description("RFC 3339 upper bound (exclusive). Defaults to one week after time_min.")),
		mcp.WithString("query",
			mcp.Description("Free text filter")),
		mcp.WithNumber("max_results",
			mcp.Description("Maximum number of events"), mcp.Min(1), mcp.Max(250)),
	), t.ListEvents)
}

// ListCalendarsResponse is the result of list_calendars.
type ListCalendarsResponse struct {
	Calendars []gcal.Calendar `json:"calendars"`
}

// ListEventsResponse is the result of list_events.
type ListEventsResponse struct {
	CalendarID string       `json:"calendar_id"`
	TimeMin    string       `json:"time_min"`
	TimeMax    string       `json:"time_max"`
	Events     []gcal.Event `json:"events"`
}

// ListCalendars handles the list_calendars tool.
func (t *CalendarTools) ListCalendars(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	client, err := t.Clients(ctx)
	if err != nil {
		return nil, err
	}
	cals, err := client.ListCalendars(ctx)
	if err != nil {
		return upstreamFailure(ctx, "list_calendars", err), nil
	}
	if cals == nil {
		cals = []gcal.Calendar{}
	}
	return jsonResult(ListCalendarsResponse{Calendars: cals})
}

// ListEvents handles the list_events tool.
func (t *CalendarTools) ListEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	client, err := t.Clients(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	timeMin, err := parseTimeArg(request, "time_min", now())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	timeMax, err := parseTimeArg(request, "time_max", timeMin.Add(defaultEventWindow))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !timeMax.After(timeMin) {
		return mcp.NewToolResultError("time_max must be after time_min"), nil
	}

	opts := gcal.ListEventsOptions{
		CalendarID: request.GetString("calendar_id", "primary"),
		TimeMin:    timeMin,
		TimeMax:    timeMax,
		Query:      request.GetString("query", ""),
		MaxResults: request.GetInt("max_results", 0),
	}
	events, err := client.ListEvents(ctx, opts)
	if err != nil {
		return upstreamFailure(ctx, "list_events", err), nil
	}
	if events == nil {
		events = []gcal.Event{}
	}
	return jsonResult(ListEventsResponse{
		CalendarID: opts.CalendarID,
		TimeMin:    timeMin.Format(time.RFC3339),
		TimeMax:    timeMax.Format(time.RFC3339),
		Events:     events,
	})
}

func parseTimeArg(request mcp.CallToolRequest, name string, def time.Time) (time.Time, error) {
	raw := request.GetString(name, "")
	if raw == "" {
		return def, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
	}
	return ts, nil
}
