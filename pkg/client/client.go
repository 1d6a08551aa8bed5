// Package client is the Go SDK for lateq.
//
// # Quick start
//
//	// Fire-and-forget over UDP, the fast path.
//	p, err := client.NewProducer("127.0.0.1:1111")
//	p.Schedule(1.5, []byte("jobs\treminder:42"))
//
//	// Block until the payload is ready (Redis egress).
//	rc := client.NewRedisConsumer(rdb)
//	payload, ok, err := rc.AwaitReady(ctx, "jobs", 5*time.Second)
//
//	// Or go through the HTTP server.
//	c := client.New("http://localhost:8080")
//	err = c.Schedule(ctx, 2*time.Second, []byte("jobs\treminder:43"))
//	payload, ok, err = c.AwaitReady(ctx, "jobs", 5*time.Second)
//
// # Error handling
//
// A non-2xx reply comes back as an *APIError; IsNotFound and IsBadRequest
// cover the statuses callers usually branch on. Producer.Schedule never reports errors; a lost
// datagram is indistinguishable from a dropped one anyway.
//
// Client and RedisConsumer are safe for concurrent use. Producer serializes
// its sends.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/snehjoshi/lateq/internal/frame"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is a non-2xx reply from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return "lateq: " + strconv.Itoa(e.StatusCode) + " " + e.Message
}

func hasStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// IsNotFound reports a 404, e.g. awaiting on a server without a spool.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsBadRequest reports a request the server refused as malformed, such as
// a negative delay.
func IsBadRequest(err error) bool { return hasStatus(err, http.StatusBadRequest) }

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sends key as X-Api-Key, needed when the server enables auth.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. AwaitReady extends it by its own
// wait. The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client calls the HTTP API. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New returns a Client for the server at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// HealthInfo is the decoded /health response.
type HealthInfo struct {
	Status  string
	NodeID  string
	Egress  string
	Pending int
	Uptime  time.Duration
}

// Stats is the decoded /v1/stats response.
type Stats struct {
	NodeID    string         `json:"node_id"`
	Pending   int            `json:"pending"`
	Scheduled int64          `json:"scheduled"`
	Delivered int64          `json:"delivered"`
	Blocked   int64          `json:"blocked"`
	Dropped   int64          `json:"dropped"`
	Rejected  map[string]int `json:"rejected"`
}

// ─── Scheduling ───────────────────────────────────────────────────────────────

// Schedule sends one raw frame through POST /v1/schedule. The delay is
// truncated to float32 seconds, the precision the wire format carries.
func (c *Client) Schedule(ctx context.Context, delay time.Duration, payload []byte) error {
	raw := frame.Encode(float32(delay.Seconds()), payload)
	return c.doRaw(ctx, http.MethodPost, "/v1/schedule", raw, nil)
}

// ScheduleKeyed schedules value for delivery to the ready list named key.
func (c *Client) ScheduleKeyed(ctx context.Context, delay time.Duration, key string, value []byte) error {
	body := map[string]any{
		"delay_seconds": delay.Seconds(),
		"payload":       base64.StdEncoding.EncodeToString(value),
		"key":           key,
	}
	return c.do(ctx, http.MethodPost, "/v1/schedule/json", body, nil)
}

// AwaitReady pops the next due payload from the server's ready list key,
// waiting up to timeout. ok is false when nothing became ready in time.
// The server must run the spool egress.
func (c *Client) AwaitReady(ctx context.Context, key string, timeout time.Duration) ([]byte, bool, error) {
	path := "/v1/ready/" + url.PathEscape(key) +
		"?timeout=" + strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64)

	hc := *c.http
	if hc.Timeout > 0 {
		hc.Timeout += timeout
	}
	var (
		out   []byte
		ready bool
	)
	err := c.send(ctx, &hc, http.MethodGet, path, nil, "", func(status int, body []byte) error {
		// A ready payload may be empty; 204 is the only "nothing ready".
		if status == http.StatusOK {
			out, ready = body, true
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, ready, nil
}

// ─── Observability ────────────────────────────────────────────────────────────

// Health checks the server's /health endpoint and returns the node's status.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		NodeID   string `json:"node_id"`
		Egress   string `json:"egress"`
		Pending  int    `json:"pending"`
		UptimeMs int64  `json:"uptime_ms"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:  resp.Status,
		NodeID:  resp.NodeID,
		Egress:  resp.Egress,
		Pending: resp.Pending,
		Uptime:  time.Duration(resp.UptimeMs) * time.Millisecond,
	}, nil
}

// Stats returns the server's scheduling counters.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Diag asks the server to write a queue-depth snapshot to its diagnostic
// stream.
func (c *Client) Diag(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/diag", nil, nil)
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do sends body as JSON (when non-nil) and decodes a JSON reply into resp
// (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var data []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("lateq: encode %s body: %w", path, err)
		}
		data = b
	}
	return c.send(ctx, c.http, method, path, data, "application/json", decodeInto(resp))
}

// doRaw sends body as application/octet-stream.
func (c *Client) doRaw(ctx context.Context, method, path string, body []byte, resp any) error {
	return c.send(ctx, c.http, method, path, body, "application/octet-stream", decodeInto(resp))
}

func decodeInto(resp any) func(int, []byte) error {
	return func(_ int, body []byte) error {
		if resp == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, resp); err != nil {
			return fmt.Errorf("lateq: decode reply: %w", err)
		}
		return nil
	}
}

// send runs one request on hc. A 2xx reply is passed to onOK (with a nil
// body for 204); anything else becomes an *APIError.
func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, body []byte, contentType string, onOK func(status int, body []byte) error) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("lateq: %s %s: %w", method, path, err)
	}
	if rd != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	res, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("lateq: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	var payload []byte
	if res.StatusCode != http.StatusNoContent {
		if payload, err = io.ReadAll(res.Body); err != nil {
			return fmt.Errorf("lateq: %s %s: read reply: %w", method, path, err)
		}
	}
	if res.StatusCode/100 != 2 {
		return newAPIError(res.StatusCode, payload)
	}
	return onOK(res.StatusCode, payload)
}

// newAPIError takes the message from a {"error": "..."} body, falling back
// to the status text.
func newAPIError(status int, body []byte) *APIError {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil || e.Error == "" {
		e.Error = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: e.Error}
}
