// Package api implements the agent-side HTTP client for the sync endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// CursorStaleHeader mirrors the server-side response header marking a feed
// page built from a cursor that no longer resolves to a stored event.
const CursorStaleHeader = "X-Sync-Cursor-Stale"

var (
	errMissingServerURL = errors.New("server url is required")
	errMissingToken     = errors.New("access token is required")
)

// BatchEvent is one event submitted through the batch endpoint.
type BatchEvent struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	Payload           string `json:"payload"`
	OccurredAtSeconds int64  `json:"occurred_at_s"`
}

// BatchResult reports how the server handled one submitted batch.
type BatchResult struct {
	Inserted int  `json:"inserted"`
	Replayed bool `json:"replayed"`
}

// FeedEvent is one event returned by the incremental feed.
type FeedEvent struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	Payload           string `json:"payload"`
	OccurredAtSeconds int64  `json:"occurred_at_s"`
	CreatedAtNanos    int64  `json:"created_at_ns"`
}

// FeedPage is one incremental feed response.
type FeedPage struct {
	Events      []FeedEvent
	CursorStale bool
}

// Doer executes an HTTP request; *http.Client satisfies it.
type Doer interface {
	Do(request *http.Request) (*http.Response, error)
}

// ClientConfig wires the sync API client.
type ClientConfig struct {
	ServerURL   string
	AccessToken string
	HTTPClient  Doer
}

// Client talks to the sync server endpoints with bearer authentication.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  Doer
}

// NewClient validates configuration and constructs the client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, errMissingServerURL
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errMissingToken
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.ServerURL, "/"),
		accessToken: cfg.AccessToken,
		httpClient:  httpClient,
	}, nil
}

// SendBatch submits a batch of events with the supplied idempotency key. The
// server replays a previously applied key without reinserting.
func (c *Client) SendBatch(ctx context.Context, batch []BatchEvent, idempotencyKey string) (BatchResult, error) {
	body, err := json.Marshal(struct {
		Events []BatchEvent `json:"events"`
	}{Events: batch})
	if err != nil {
		return BatchResult{}, fmt.Errorf("encode batch: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/batch", bytes.NewReader(body))
	if err != nil {
		return BatchResult{}, fmt.Errorf("build batch request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+c.accessToken)
	if idempotencyKey != "" {
		request.Header.Set("Idempotency-Key", idempotencyKey)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return BatchResult{}, fmt.Errorf("send batch: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return BatchResult{}, statusError("batch", response)
	}

	var result BatchResult
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return BatchResult{}, fmt.Errorf("decode batch response: %w", err)
	}
	return result, nil
}

// FetchSince requests events past the cursor, oldest first. An empty cursor
// starts from the beginning of the stream.
func (c *Client) FetchSince(ctx context.Context, cursor string, limit int) (FeedPage, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	endpoint := c.baseURL + "/sync/since"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return FeedPage{}, fmt.Errorf("build feed request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.accessToken)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return FeedPage{}, fmt.Errorf("fetch feed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return FeedPage{}, statusError("feed", response)
	}

	page := FeedPage{CursorStale: response.Header.Get(CursorStaleHeader) == "1"}
	if err := json.NewDecoder(response.Body).Decode(&page.Events); err != nil {
		return FeedPage{}, fmt.Errorf("decode feed response: %w", err)
	}
	return page, nil
}

func statusError(operation string, response *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(response.Body, 512))
	trimmed := strings.TrimSpace(string(detail))
	if trimmed == "" {
		return fmt.Errorf("%s request rejected with status %d", operation, response.StatusCode)
	}
	return fmt.Errorf("%s request rejected with status %d: %s", operation, response.StatusCode, trimmed)
}
