// Package egress delivers due payloads to a downstream transport.
//
// Every sender returns an explicit scheduler.Outcome and applies a short send
// timeout, so the dispatch loop never blocks on a stalled downstream:
//
//	redis    RPUSH onto a Redis list (the consumer side BLPOPs it)
//	udp      one datagram per payload to a connected UDP peer
//	spool    a bounded local bbolt list store served over HTTP long-poll
//	webhook  an HTTP POST per payload, optionally HMAC-signed
//
// List-backed senders route on a "key\tvalue" payload: value is appended to
// list key. Payloads without a tab go to the configured default key.
package egress

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/snehjoshi/lateq/internal/config"
	"github.com/snehjoshi/lateq/internal/registry"
	"github.com/snehjoshi/lateq/internal/scheduler"
)

// ErrNoKey is returned for a payload that names no list: an empty payload,
// or one starting with a tab. It can never be routed, so the outcome is Fatal.
var ErrNoKey = errors.New("egress: payload names no list key")

// Sender is a closable scheduler.Sender.
type Sender interface {
	scheduler.Sender
	io.Closer
}

// Depther is implemented by senders whose backlog is observable.
type Depther interface {
	Depth() int
}

// ReadyStore is implemented by senders that can serve consumers directly.
type ReadyStore interface {
	AwaitReady(ctx context.Context, key string, timeout time.Duration) ([]byte, bool, error)
}

// Env carries process-level dependencies for sender factories.
type Env struct {
	DataDir string
	Logger  *slog.Logger
}

// Factory builds a Sender from configuration.
type Factory func(ctx context.Context, cfg config.EgressConfig, env Env) (Sender, error)

// NewRegistry returns a registry holding every built-in egress kind.
func NewRegistry() *registry.Registry[Factory] {
	r := registry.New[Factory]("egress")
	r.MustRegister("redis", newRedisListFromConfig)
	r.MustRegister("udp", newDatagramFromConfig)
	r.MustRegister("spool", newSpoolFromConfig)
	r.MustRegister("webhook", newWebhookFromConfig)
	return r
}

// SplitKey routes a payload. It returns the list key and the value to store.
//
// "key\tvalue" goes to key. A payload without a tab goes to defaultKey when
// one is set; otherwise the whole payload is the key and the value is empty.
// ok is false when the key would be empty.
func SplitKey(payload []byte, defaultKey string) (key string, value []byte, ok bool) {
	i := bytes.IndexByte(payload, '\t')
	switch {
	case i > 0:
		return string(payload[:i]), payload[i+1:], true
	case i == 0:
		return "", nil, false
	case defaultKey != "":
		return defaultKey, payload, true
	case len(payload) == 0:
		return "", nil, false
	default:
		return string(payload), []byte{}, true
	}
}
