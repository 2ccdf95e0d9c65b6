// Package remote reaches a table server over HTTP with JSON bodies. It
// supplies the batched read, publish and delete functions of a table.
//
// Endpoints, relative to the base URL:
//
//	POST /tables/{table}/read     {"queries": [...]}  -> {"responses": [...]}
//	POST /tables/{table}/publish  {"fields": {...}}
//	POST /tables/{table}/delete   {"pk": ...}
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mesh-intelligence/tablesync/pkg/types"
)

// maxErrorBody caps how much of an error response is kept in the error.
const maxErrorBody = 512

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithHeader adds a header to every request, e.g. an authorization token.
func WithHeader(key, value string) Option {
	return func(cl *Client) { cl.header.Set(key, value) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// Client calls a table server.
type Client struct {
	base   string
	http   *http.Client
	header http.Header
	logger *slog.Logger
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, types.ConfigError(types.ErrInvalidCRUD, "remote.New", "invalid remote URL %q", baseURL)
	}
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		header: make(http.Header),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "remote")
	return c, nil
}

// CRUD returns the function set to put in a TableSpec.
func (c *Client) CRUD() types.CRUD {
	return types.CRUD{Read: c.Read, Publish: c.Publish, Delete: c.Delete}
}

type readRequest struct {
	Queries []types.Query `json:"queries"`
}

type readResponse struct {
	Responses []types.Response `json:"responses"`
}

type publishRequest struct {
	Fields map[string]any `json:"fields"`
}

type deleteRequest struct {
	PK any `json:"pk"`
}

// Read sends one batch of queries.
func (c *Client) Read(ctx context.Context, table string, queries []types.Query) ([]types.Response, error) {
	var out readResponse
	if err := c.post(ctx, table, "read", readRequest{Queries: queries}, &out); err != nil {
		return nil, err
	}
	if out.Responses == nil {
		return nil, types.ConsistencyError(types.ErrMalformedResponse, "remote.Read", "table %q: no responses array", table)
	}
	return out.Responses, nil
}

// Publish sends the changed fields of a record.
func (c *Client) Publish(ctx context.Context, table string, fields map[string]any) error {
	return c.post(ctx, table, "publish", publishRequest{Fields: fields}, nil)
}

// Delete removes the record with primary key pk.
func (c *Client) Delete(ctx context.Context, table string, pk any) error {
	return c.post(ctx, table, "delete", deleteRequest{PK: pk}, nil)
}

func (c *Client) post(ctx context.Context, table, action string, body, out any) error {
	op := "remote." + action
	payload, err := json.Marshal(body)
	if err != nil {
		return types.MisuseError(err, op, "encoding request")
	}

	endpoint := fmt.Sprintf("%s/tables/%s/%s", c.base, url.PathEscape(table), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return types.ConfigError(err, op, "building request")
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return types.TransportError(err, op, "table %q", table)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.TransportError(err, op, "reading response of table %q", table)
	}
	c.logger.Debug("remote call", "table", table, "action", action,
		"status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return types.TransportError(fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data)), op, "table %q", table)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return types.ConsistencyError(fmt.Errorf("%w: %v", types.ErrMalformedResponse, err), op, "table %q", table)
	}
	return nil
}
