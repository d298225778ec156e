// Package httpapi provides an HTTP push/pull adapter for the sync engine.
//
// The client speaks a small JSON protocol against a remote sync API:
//
//	POST {base}/v1/push   - submit a batch of outbox ops, receive per-op results
//	GET  {base}/v1/delta  - pull one page of changes for a collection since a cursor
//
// Requests carry the scope key as a query parameter so a single endpoint
// serves every tenant and workspace. An optional bearer token is attached
// to every request.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coastline-hq/driftsync/internal/types"
)

// Config configures the HTTP client.
type Config struct {
	// BaseURL is the root of the remote sync API, e.g. "https://sync.example.com".
	BaseURL string

	// Token is an optional bearer token sent with every request.
	Token string

	// Timeout bounds each request. Defaults to 30 seconds.
	Timeout time.Duration

	// HTTPClient overrides the underlying client, mainly for tests.
	HTTPClient *http.Client
}

// DefaultConfig returns sensible defaults for the given base URL.
func DefaultConfig(baseURL string) *Config {
	return &Config{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Client implements both the push and pull adapter contracts over HTTP.
type Client struct {
	base   string
	token  string
	client *http.Client
}

// NewClient creates a client for the remote sync API.
func NewClient(config *Config) (*Client, error) {
	if config == nil || config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		base:   strings.TrimRight(config.BaseURL, "/"),
		token:  config.Token,
		client: httpClient,
	}, nil
}

// pushOp is the wire form of one outbox op in a push request.
type pushOp struct {
	OpID           string          `json:"op_id"`
	EntityKey      string          `json:"entity_key"`
	EntityID       string          `json:"entity_id"`
	OpType         string          `json:"op_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type pushRequest struct {
	Scope string   `json:"scope"`
	Ops   []pushOp `json:"ops"`
}

type pushResponse struct {
	Results []types.PushResult `json:"results"`
}

// PushOps submits a batch of outbox ops and returns per-op results.
// A non-2xx response or transport fault is reported as a single error;
// no per-op outcomes exist in that case.
func (c *Client) PushOps(ctx context.Context, scope types.Scope, ops []types.OutboxOp) ([]types.PushResult, error) {
	req := pushRequest{
		Scope: scope.Key(),
		Ops:   make([]pushOp, 0, len(ops)),
	}
	for _, op := range ops {
		req.Ops = append(req.Ops, pushOp{
			OpID:           op.ID,
			EntityKey:      op.EntityKey,
			EntityID:       op.EntityID,
			OpType:         string(op.OpType),
			IdempotencyKey: op.IdempotencyKey,
			Payload:        json.RawMessage(op.Payload),
		})
	}

	var resp pushResponse
	if err := c.post(ctx, "/v1/push", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// PullChanges retrieves one page of changes for a collection since the
// cursor. The empty cursor requests changes from the beginning.
func (c *Client) PullChanges(ctx context.Context, scope types.Scope, collectionKey, cursor string) (types.Page, error) {
	q := url.Values{}
	q.Set("scope", scope.Key())
	q.Set("collection", collectionKey)
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var page types.Page
	if err := c.get(ctx, "/v1/delta?"+q.Encode(), &page); err != nil {
		return types.Page{}, err
	}
	return page, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Bounded read so a misbehaving server cannot balloon the error.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
