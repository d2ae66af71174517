// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gcal is a small Google Calendar v3 client, built per request from
// the caller's access token.
package gcal

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/stacklok/mcp-remote-auth/pkg/apis/internal/apiclient"
	"github.com/stacklok/mcp-remote-auth/pkg/networking"
)

// DefaultBaseURL is the Calendar v3 API root.
const DefaultBaseURL = "https://www.googleapis.com/calendar/v3"

// maxPages stops runaway pagination.
const maxPages = 20

// Client calls the Calendar API on behalf of one user.
type Client struct {
	http    networking.HTTPClient
	baseURL string
}

// New wraps an already authenticated HTTP client.
func New(httpClient networking.HTTPClient, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{http: httpClient, baseURL: baseURL}
}

// NewFactory returns a function that builds a Client for an access token,
// sending requests through base.
func NewFactory(base *http.Client, baseURL string) func(context.Context, *oauth2.Token) (*Client, error) {
	return func(ctx context.Context, token *oauth2.Token) (*Client, error) {
		if token == nil || token.AccessToken == "" {
			return nil, errors.New("gcal: access token is required")
		}
		return New(apiclient.OAuthClient(context.WithoutCancel(ctx), base, token), baseURL), nil
	}
}

// Calendar is an entry of the user's calendar list.
type Calendar struct {
	ID          string `json:"id"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	TimeZone    string `json:"timeZone,omitempty"`
	AccessRole  string `json:"accessRole,omitempty"`
	Primary     bool   `json:"primary,omitempty"`
}

// EventTime is either a timed instant or an all-day date.
type EventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// Attendee of an event.
type Attendee struct {
	Email          string `json:"email"`
	DisplayName    string `json:"displayName,omitempty"`
	ResponseStatus string `json:"responseStatus,omitempty"`
}

// Event is a calendar event.
type Event struct {
	ID          string     `json:"id"`
	Status      string     `json:"status,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	HTMLLink    string     `json:"htmlLink,omitempty"`
	Start       EventTime  `json:"start"`
	End         EventTime  `json:"end"`
	Attendees   []Attendee `json:"attendees,omitempty"`
}

// ListEventsOptions narrows ListEvents.
type ListEventsOptions struct {
	// CalendarID defaults to "primary".
	CalendarID string
	TimeMin    time.Time
	TimeMax    time.Time
	Query      string
	// MaxResults caps the number of events returned. Zero means 50.
	MaxResults int
}

type calendarListPage struct {
	Items         []Calendar `json:"items"`
	NextPageToken string     `json:"nextPageToken"`
}

type eventsPage struct {
	Items         []Event `json:"items"`
	NextPageToken string  `json:"nextPageToken"`
}

// ListCalendars returns every calendar on the user's calendar list.
func (c *Client) ListCalendars(ctx context.Context) ([]Calendar, error) {
	var out []Calendar
	pageToken := ""
	for range maxPages {
		q := url.Values{}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		var page calendarListPage
		if err := c.get(ctx, "/users/me/calendarList", q, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return out, nil
}

// ListEvents returns expanded single events ordered by start time.
func (c *Client) ListEvents(ctx context.Context, opts ListEventsOptions) ([]Event, error) {
	calendarID := opts.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	limit := opts.MaxResults
	if limit <= 0 {
		limit = 50
	}

	q := url.Values{}
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	q.Set("maxResults", strconv.Itoa(min(limit, 250)))
	if !opts.TimeMin.IsZero() {
		q.Set("timeMin", opts.TimeMin.Format(time.RFC3339))
	}
	if !opts.TimeMax.IsZero() {
		q.Set("timeMax", opts.TimeMax.Format(time.RFC3339))
	}
	if opts.Query != "" {
		q.Set("q", opts.Query)
	}

	var out []Event
	path := "/calendars/" + url.PathEscape(calendarID) + "/events"
	for range maxPages {
		var page eventsPage
		if err := c.get(ctx, path, q, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if len(out) >= limit {
			return out[:limit], nil
		}
		if page.NextPageToken == "" {
			break
		}
		q.Set("pageToken", page.NextPageToken)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return apiclient.Do(ctx, c.http, http.MethodGet, u, nil, nil, out, "error.message")
}
