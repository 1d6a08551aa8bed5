package egress

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/snehjoshi/lateq/internal/config"
	"github.com/snehjoshi/lateq/internal/scheduler"
)

// SignatureHeader carries the HMAC-SHA256 of the request body when a secret
// is configured: "sha256=<hex>".
const SignatureHeader = "X-Lateq-Signature"

// KeyHeader names the ready list of a keyed payload.
const KeyHeader = "X-Lateq-Key"

// Webhook POSTs each due payload to a fixed URL.
//
// A "key\tvalue" payload is sent as value with the key in KeyHeader; any
// other payload is sent as is. 2xx is Delivered. 408, 429 and 5xx responses
// and transport errors are Blocked. Other 4xx responses are Fatal.
type Webhook struct {
	url    string
	secret []byte
	client *http.Client
}

// NewWebhook validates target and returns a Webhook posting to it with the
// given per-request timeout.
func NewWebhook(target, secret string, timeout time.Duration) (*Webhook, error) {
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return nil, fmt.Errorf("egress: webhook url: %w", err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return nil, fmt.Errorf("egress: webhook url %q: scheme must be http or https", target)
	}
	return &Webhook{
		url:    target,
		secret: []byte(secret),
		client: &http.Client{Timeout: timeout},
	}, nil
}

func newWebhookFromConfig(_ context.Context, cfg config.EgressConfig, _ Env) (Sender, error) {
	return NewWebhook(cfg.Address, cfg.Secret, cfg.SendTimeout.Std())
}

// Deliver implements scheduler.Sender.
func (w *Webhook) Deliver(ctx context.Context, payload []byte) (scheduler.Outcome, error) {
	body := payload
	var key string
	if i := bytes.IndexByte(payload, '\t'); i > 0 {
		key, body = string(payload[:i]), payload[i+1:]
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return scheduler.Fatal, fmt.Errorf("egress: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if key != "" {
		req.Header.Set(KeyHeader, key)
	}
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return scheduler.Blocked, err
		}
		return scheduler.Blocked, fmt.Errorf("egress: POST to %s: %w", w.url, err)
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()

	return classifyStatus(resp.StatusCode)
}

// Close releases idle connections.
func (w *Webhook) Close() error {
	w.client.CloseIdleConnections()
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func classifyStatus(code int) (scheduler.Outcome, error) {
	switch {
	case code >= 200 && code < 300:
		return scheduler.Delivered, nil
	case code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests,
		code >= 500:
		return scheduler.Blocked, fmt.Errorf("egress: endpoint returned %d", code)
	default:
		return scheduler.Fatal, fmt.Errorf("egress: endpoint returned %d", code)
	}
}
