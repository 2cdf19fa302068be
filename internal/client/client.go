// Package client talks to the cragfeed HTTP API. It backs the feed container
// and the reaction mutator in front ends and tooling.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"example.com/cragfeed/internal/api"
	"example.com/cragfeed/internal/domain"
	"example.com/cragfeed/internal/feed"
	"example.com/cragfeed/internal/reaction"
)

var (
	_ feed.Fetcher = (*Client)(nil)
	_ reaction.API = (*Client)(nil)
)

// APIError is a non-2xx response from the API.
type APIError struct {
	Status int
	Type   string
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Type, e.Detail)
}

// Unwrap maps the response onto the domain error taxonomy where it can. A 404
// for an unknown endpoint maps to nothing.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusServiceUnavailable:
		return domain.ErrDataAccess
	case http.StatusBadRequest:
		return domain.ErrValidation
	case http.StatusUnauthorized:
		return domain.ErrUnauthenticated
	case http.StatusForbidden:
		return domain.ErrForbidden
	case http.StatusNotFound:
		switch e.Detail {
		case domain.ErrActivityNotFound.Error():
			return domain.ErrActivityNotFound
		case domain.ErrRouteNotFound.Error():
			return domain.ErrRouteNotFound
		}
	}
	return nil
}

// Retryable reports whether repeating the request may succeed.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusTooManyRequests
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client is a thin typed wrapper over the JSON API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New builds a Client. token may be empty for anonymous reads.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPage implements feed.Fetcher.
func (c *Client) FetchPage(ctx context.Context, q feed.Query) (feed.Page, error) {
	params := url.Values{}
	for _, f := range q.Filters {
		params.Add("type", string(f))
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var resp api.FeedResponse
	if err := c.do(ctx, http.MethodGet, "/v1/feed?"+params.Encode(), nil, nil, &resp); err != nil {
		return feed.Page{}, err
	}

	page := feed.Page{Items: make([]domain.FeedItem, 0, len(resp.Items)), HasMore: resp.HasMore}
	for _, item := range resp.Items {
		page.Items = append(page.Items, item.FeedItem())
	}
	if resp.NextCursor != nil {
		page.NextCursor = *resp.NextCursor
	}
	return page, nil
}

// SetReaction implements reaction.API.
func (c *Client) SetReaction(ctx context.Context, activityID string, kind domain.ReactionKind, present bool) (domain.ReactionState, error) {
	method := http.MethodDelete
	if present {
		method = http.MethodPut
	}
	path := fmt.Sprintf("/v1/activities/%s/reactions/%s", url.PathEscape(activityID), url.PathEscape(string(kind)))

	var resp api.ReactionStateView
	if err := c.do(ctx, method, path, nil, nil, &resp); err != nil {
		return domain.ReactionState{}, err
	}
	return resp.ReactionState(), nil
}

// SetRating implements reaction.API.
func (c *Client) SetRating(ctx context.Context, routeID string, stars int) (domain.RatingState, error) {
	var resp api.RatingView
	path := fmt.Sprintf("/v1/routes/%s/rating", url.PathEscape(routeID))
	if err := c.do(ctx, http.MethodPut, path, nil, api.RatingRequest{Stars: stars}, &resp); err != nil {
		return domain.RatingState{}, err
	}
	return resp.RatingState(), nil
}

// Reactions fetches the current reaction state of an activity.
func (c *Client) Reactions(ctx context.Context, activityID string) (domain.ReactionState, error) {
	var resp api.ReactionStateView
	path := fmt.Sprintf("/v1/activities/%s/reactions", url.PathEscape(activityID))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return domain.ReactionState{}, err
	}
	return resp.ReactionState(), nil
}

// Rating fetches the rating summary of a route.
func (c *Client) Rating(ctx context.Context, routeID string) (domain.RatingState, error) {
	var resp api.RatingView
	path := fmt.Sprintf("/v1/routes/%s/rating", url.PathEscape(routeID))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return domain.RatingState{}, err
	}
	return resp.RatingState(), nil
}

// CreateActivity logs an activity for the token's subject.
func (c *Client) CreateActivity(ctx context.Context, req api.CreateActivityRequest, idempotencyKey string) (api.CreateActivityResponse, error) {
	var headers http.Header
	if idempotencyKey != "" {
		headers = http.Header{"Idempotency-Key": []string{idempotencyKey}}
	}
	var resp api.CreateActivityResponse
	err := c.do(ctx, http.MethodPost, "/v1/activities", headers, req, &resp)
	return resp, err
}

// Leaderboard fetches the ranking for [from, to). Zero bounds select the
// current season.
func (c *Client) Leaderboard(ctx context.Context, from, to time.Time, limit int) (api.LeaderboardResponse, error) {
	params := url.Values{}
	if !from.IsZero() {
		params.Set("from", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		params.Set("to", to.UTC().Format(time.RFC3339))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp api.LeaderboardResponse
	err := c.do(ctx, http.MethodGet, "/v1/leaderboard?"+params.Encode(), nil, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, headers http.Header, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{Status: resp.StatusCode}
		var payload api.ErrorResponse
		if json.Unmarshal(data, &payload) == nil && payload.Type != "" {
			apiErr.Type, apiErr.Detail = payload.Type, payload.Detail
		} else {
			apiErr.Detail = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
