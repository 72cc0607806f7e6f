package query

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/spektr-org/kpitree/tree"
)

// ============================================================================
// CLIENT: tree.QueryService / tree.Catalog over the aggregation HTTP API
// ============================================================================
// Routes:
//   GET  /api/total-sales?kpi_metric=&table=  → {"total": n}
//   POST /api/split-data {filters, split_col, kpi_metric, table}
//                                             → [{"node_name", "value"}]
//   GET  /api/available-dims                  → {"dims": [...]}
//
// Error responses carry {"detail": "..."} (or {"message": "..."}); the
// message surfaces as an *APIError. Transport failures become *NetworkError.
// ============================================================================

// DefaultTimeout bounds each request when no http.Client is supplied.
const DefaultTimeout = 30 * time.Second

// ErrNetwork is wrapped by *NetworkError.
var ErrNetwork = errors.New("network error. check backend")

// APIError is a non-2xx response from the service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return e.Message }

// NetworkError is a request that never got a response.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%v: %v", ErrNetwork, e.Err) }
func (e *NetworkError) Unwrap() []error { return []error{ErrNetwork, e.Err} }

// Client talks to a remote aggregation service for a single table.
type Client struct {
	baseURL string
	table   string
	http    *http.Client
	log     *slog.Logger

	dims singleflight.Group
}

var (
	_ tree.QueryService = (*Client)(nil)
	_ tree.Catalog      = (*Client)(nil)
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

// WithClientLogger sets the structured logger.
func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient returns a Client for the service at baseURL (scheme and host,
// optionally a path prefix) querying table.
func NewClient(baseURL, table string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		table:   table,
		http:    &http.Client{Timeout: DefaultTimeout},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Table returns the table the client queries.
func (c *Client) Table() string { return c.table }

type totalResponse struct {
	Total float64 `json:"total"`
}

// SplitRequest is the body of POST /api/split-data.
type SplitRequest struct {
	Filters   map[string]string `json:"filters"`
	SplitCol  string            `json:"split_col"`
	KPIMetric string            `json:"kpi_metric"`
	Table     string            `json:"table"`
}

// SplitRow is one element of the split-data response.
type SplitRow struct {
	NodeName any     `json:"node_name"`
	Value    float64 `json:"value"`
}

type dimsResponse struct {
	Dims []string `json:"dims"`
}

// FetchTotal implements tree.QueryService.
func (c *Client) FetchTotal(ctx context.Context, metric string) (float64, error) {
	q := url.Values{}
	q.Set("kpi_metric", metric)
	q.Set("table", c.table)

	var out totalResponse
	if err := c.GetJSON(ctx, "/api/total-sales?"+q.Encode(), &out); err != nil {
		return 0, err
	}
	return out.Total, nil
}

// FetchSplit implements tree.QueryService.
func (c *Client) FetchSplit(ctx context.Context, metric, dimension string, filters tree.FilterSet) ([]tree.Item, error) {
	body := SplitRequest{
		Filters:   map[string]string(filters),
		SplitCol:  dimension,
		KPIMetric: metric,
		Table:     c.table,
	}
	if body.Filters == nil {
		body.Filters = map[string]string{}
	}

	var rows []SplitRow
	if err := c.PostJSON(ctx, "/api/split-data", body, &rows); err != nil {
		return nil, err
	}
	items := make([]tree.Item, len(rows))
	for i, r := range rows {
		items[i] = tree.Item{Category: categoryString(r.NodeName), Value: r.Value}
	}
	return items, nil
}

// FetchAvailableDimensions implements tree.Catalog. Concurrent callers
// share one request; it is detached from any single caller's cancellation
// and each caller stops waiting when its own ctx ends.
func (c *Client) FetchAvailableDimensions(ctx context.Context) ([]string, error) {
	ch := c.dims.DoChan("dims", func() (any, error) {
		var out dimsResponse
		if err := c.GetJSON(context.WithoutCancel(ctx), "/api/available-dims", &out); err != nil {
			return nil, err
		}
		return out.Dims, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.log.Debug("catalog request shared")
		}
		return append([]string(nil), res.Val.([]string)...), nil
	}
}

// GetJSON issues a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// PostJSON posts body as JSON and decodes the JSON response into out.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Error("Network error", "method", method, "path", path, "error", err)
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Err: err}
	}
	c.log.Debug("api call", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: errorMessage(raw)}
		c.log.Error("API Error", "status", resp.StatusCode, "path", path, "message", apiErr.Message)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// errorMessage extracts detail, then message, else "Server error".
func errorMessage(raw []byte) string {
	var body struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "Server error"
	}
	if len(body.Detail) > 0 && string(body.Detail) != "null" {
		var s string
		if err := json.Unmarshal(body.Detail, &s); err == nil {
			if s != "" {
				return s
			}
		} else {
			return string(body.Detail)
		}
	}
	if body.Message != "" {
		return body.Message
	}
	return "Server error"
}

// categoryString renders a node_name that may arrive as a string, a number
// (integer-coded dimensions such as vendor_id) or null.
func categoryString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
