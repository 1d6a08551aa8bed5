package http

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/snehjoshi/lateq/internal/metrics"
)

// ─── Status capture ───────────────────────────────────────────────────────────

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func record(w http.ResponseWriter) *statusRecorder {
	if sr, ok := w.(*statusRecorder); ok {
		return sr
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// Hijack hands the connection to the WebSocket upgrader.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: connection cannot be hijacked")
	}
	sr.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// ─── Request ID ───────────────────────────────────────────────────────────────

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestIDMiddleware keeps a caller-supplied X-Request-ID of 1 to 64 bytes
// or assigns a UUID, echoes it on the response and stores it in the request
// context.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if n := len(id); n < 1 || n > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RequestID returns the ID RequestIDMiddleware attached to ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ─── Access log ───────────────────────────────────────────────────────────────

// LoggingMiddleware writes one "http" line per request.
func LoggingMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			sr := record(w)
			next.ServeHTTP(sr, r)

			lvl := slog.LevelInfo
			if sr.status >= 500 {
				lvl = slog.LevelWarn
			}
			log.Log(r.Context(), lvl, "http",
				"request_id", RequestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", sr.status,
				"remote", clientIP(r),
				"duration_ms", time.Since(began).Milliseconds(),
			)
		})
	}
}

// ─── Request metrics ──────────────────────────────────────────────────────────

// MetricsMiddleware feeds lateq_http_* by route pattern, so every
// /v1/ready/{key} request lands in one series.
func MetricsMiddleware(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if reg == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			sr := record(w)
			next.ServeHTTP(sr, r)

			route := routeLabel(r)
			reg.HTTPReqs.Inc(metrics.HTTPKey(r.Method, route, strconv.Itoa(sr.status)))
			durKey := metrics.HTTPDurKey(r.Method, route)
			reg.HTTPDurMs.Add(durKey, time.Since(began).Milliseconds())
			reg.HTTPDurCnt.Inc(durKey)
		})
	}
}

// routeLabel is the matched mux pattern without its method, or "unmatched".
// The mux fills r.Pattern in place, so it is visible after ServeHTTP.
func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(r.Pattern, " "); ok {
		return path
	}
	return r.Pattern
}

// ─── API key ──────────────────────────────────────────────────────────────────

// AuthMiddleware requires X-Api-Key to equal apiKey. It is a no-op when auth
// is disabled or no key is configured.
func AuthMiddleware(apiKey string, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled || apiKey == "" {
			return next
		}
		want := []byte(apiKey)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("X-Api-Key"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ─── Per-client rate limit ────────────────────────────────────────────────────

const (
	// limiterSweepAt is the table size that triggers eviction of idle clients.
	limiterSweepAt = 4096
	limiterIdleTTL = 10 * time.Minute
)

type clientBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// clientLimiters hands out one token bucket per client IP.
type clientLimiters struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*clientBucket
}

func (cl *clientLimiters) allow(ip string, now time.Time) bool {
	cl.mu.Lock()
	b, ok := cl.buckets[ip]
	if !ok {
		if len(cl.buckets) >= limiterSweepAt {
			for k, v := range cl.buckets {
				if now.Sub(v.seen) > limiterIdleTTL {
					delete(cl.buckets, k)
				}
			}
		}
		b = &clientBucket{lim: rate.NewLimiter(cl.rps, cl.burst)}
		cl.buckets[ip] = b
	}
	b.seen = now
	cl.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// RateLimitMiddleware admits rps requests per second per client IP with
// bursts up to burst, answering 429 beyond that.
func RateLimitMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	cl := &clientLimiters{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*clientBucket),
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cl.allow(clientIP(r), time.Now()) {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the first X-Forwarded-For hop when it parses as an IP, else the
// host part of RemoteAddr. X-Forwarded-For is only trustworthy behind a
// proxy that sets it.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ─── Body limit ───────────────────────────────────────────────────────────────

// maxRequestBodyBytes bounds every request body. A schedule request carries a
// single payload.
const maxRequestBodyBytes = 1 << 20

// MaxBodyMiddleware caps request bodies at maxRequestBodyBytes.
func MaxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// chain wraps h so that mw[0] sees the request first.
func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
