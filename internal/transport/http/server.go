// Package http serves the lateq HTTP API.
//
// Routes:
//
//	GET    /health
//	POST   /v1/schedule           raw frame body
//	POST   /v1/schedule/json      {"delay_seconds":..,"payload":"<base64>"}
//	GET    /v1/ready/{key}        long-poll, spool egress only
//	GET    /v1/stats
//	POST   /v1/diag
//	GET    /v1/ws                 binary frames over WebSocket
//	GET    /metrics
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/snehjoshi/lateq/internal/config"
	"github.com/snehjoshi/lateq/internal/diag"
	"github.com/snehjoshi/lateq/internal/egress"
	"github.com/snehjoshi/lateq/internal/ingress"
	"github.com/snehjoshi/lateq/internal/metrics"
	transportws "github.com/snehjoshi/lateq/internal/transport/websocket"
)

// Deps are the collaborators the HTTP server routes requests to.
type Deps struct {
	Admit   ingress.Admitter
	Ready   egress.ReadyStore // nil unless the egress keeps payloads locally
	Diag    *diag.Reporter
	Metrics *metrics.Registry
	NodeID  string
	Logger  *slog.Logger
}

// Server is the lateq HTTP API bound to its collaborators.
type Server struct {
	srv *http.Server
}

// New routes the API onto d. The server is not started.
func New(cfg *config.Config, d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		admit:   d.Admit,
		ready:   d.Ready,
		diag:    d.Diag,
		metrics: d.Metrics,
		nodeID:  d.NodeID,
		egress:  cfg.Egress.Kind,
	}
	ws := &transportws.Handler{Admit: d.Admit, Logger: log}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Ingress
	mux.HandleFunc("POST /v1/schedule", h.schedule)
	mux.HandleFunc("POST /v1/schedule/json", h.scheduleJSON)
	mux.Handle("GET /v1/ws", ws)

	// Egress
	mux.HandleFunc("GET /v1/ready/{key}", h.awaitReady)

	// Operations
	mux.HandleFunc("GET /v1/stats", h.stats)
	mux.HandleFunc("POST /v1/diag", h.emitDiag)
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics.Handler())
	}

	mw := []func(http.Handler) http.Handler{
		MaxBodyMiddleware,
		RequestIDMiddleware,
		LoggingMiddleware(log),
		MetricsMiddleware(d.Metrics),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
	}
	if cfg.HTTP.RateLimitRPS > 0 {
		mw = append(mw, RateLimitMiddleware(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst))
	}

	// Long-polls on /v1/ready may hold a response for maxReadyWait.
	return &Server{
		srv: &http.Server{
			Handler:      chain(mux, mw...),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: maxReadyWait + 15*time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler is the routed and wrapped handler, for httptest.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe serves on addr until Shutdown, which yields
// http.ErrServerClosed.
func (s *Server) ListenAndServe(addr string) error {
	s.srv.Addr = addr
	return s.srv.ListenAndServe()
}

// Shutdown stops accepting and waits for in-flight requests, long-polls
// included, until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
