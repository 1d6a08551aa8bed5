package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/snehjoshi/lateq/internal/diag"
	"github.com/snehjoshi/lateq/internal/egress"
	"github.com/snehjoshi/lateq/internal/frame"
	"github.com/snehjoshi/lateq/internal/ingress"
	"github.com/snehjoshi/lateq/internal/metrics"
)

// maxReadyWait caps the long-poll timeout of GET /v1/ready/{key}.
const maxReadyWait = 60 * time.Second

// validKey returns true when s is usable as a ready-list key. Tabs would
// be mistaken for the key separator inside a payload.
func validKey(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	return !strings.ContainsAny(s, "\t\r\n\x00")
}

// Handler groups all HTTP request handlers.
type Handler struct {
	admit   ingress.Admitter
	ready   egress.ReadyStore // nil unless the egress keeps payloads locally
	diag    *diag.Reporter    // may be nil
	metrics *metrics.Registry // may be nil
	nodeID  string
	egress  string
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Egress   string `json:"egress"`
	Pending  int    `json:"pending"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
}

type scheduleJSONReq struct {
	DelaySeconds float64 `json:"delay_seconds"`
	// Payload is base64; JSON cannot carry arbitrary bytes otherwise.
	Payload string `json:"payload"`
	// Key optionally prefixes the payload with "key\t" for keyed egress.
	Key string `json:"key,omitempty"`
}

type scheduleResp struct {
	Status string `json:"status"`
	Bytes  int    `json:"bytes"`
}

type statsResp struct {
	NodeID    string         `json:"node_id"`
	Pending   int            `json:"pending"`
	Scheduled int64          `json:"scheduled"`
	Delivered int64          `json:"delivered"`
	Blocked   int64          `json:"blocked"`
	Dropped   int64          `json:"dropped"`
	Rejected  map[string]int `json:"rejected"`
	Snapshot  diag.Snapshot  `json:"snapshot"`
}

var startTime = time.Now()

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	pending := diag.NotObservable
	if h.metrics != nil {
		pending = h.metrics.Pending()
	}
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		NodeID:   h.nodeID,
		Egress:   h.egress,
		Pending:  pending,
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
	})
}

// ─── Scheduling ───────────────────────────────────────────────────────────────

// schedule accepts one raw frame as the request body, exactly as it would
// arrive in a datagram.
func (h *Handler) schedule(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	h.admitFrame(w, raw)
}

// scheduleJSON accepts {"delay_seconds":1.5,"payload":"<base64>"} and builds
// the frame server-side.
func (h *Handler) scheduleJSON(w http.ResponseWriter, r *http.Request) {
	var req scheduleJSONReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if math.IsNaN(req.DelaySeconds) || req.DelaySeconds < 0 || req.DelaySeconds > math.MaxFloat32 {
		writeError(w, http.StatusBadRequest, frame.ErrInvalidDelay)
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload must be base64"})
		return
	}
	if req.Key != "" {
		if !validKey(req.Key) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid key"})
			return
		}
		payload = append([]byte(req.Key+"\t"), payload...)
	}
	h.admitFrame(w, frame.Encode(float32(req.DelaySeconds), payload))
}

func (h *Handler) admitFrame(w http.ResponseWriter, raw []byte) {
	n := len(raw)
	if err := h.admit.Admit(raw); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, scheduleResp{Status: "scheduled", Bytes: n - frame.HeaderSize})
}

// ─── Ready long-poll ──────────────────────────────────────────────────────────

// awaitReady pops the next due payload for a key, waiting up to ?timeout=
// seconds (default 0, capped at maxReadyWait). 204 means nothing became
// ready in time.
func (h *Handler) awaitReady(w http.ResponseWriter, r *http.Request) {
	if h.ready == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "egress has no local ready lists"})
		return
	}
	key := r.PathValue("key")
	if !validKey(key) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid key"})
		return
	}
	timeout, err := parseTimeoutParam(r, "timeout")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	payload, ok, err := h.ready.AwaitReady(r.Context(), key, timeout)
	if err != nil {
		if r.Context().Err() != nil {
			return // client went away
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func parseTimeoutParam(r *http.Request, key string) (time.Duration, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(secs) || secs < 0 {
		return 0, errors.New("timeout must be a non-negative number of seconds")
	}
	d := time.Duration(secs * float64(time.Second))
	return min(d, maxReadyWait), nil
}

// ─── Stats and diagnostics ────────────────────────────────────────────────────

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResp{NodeID: h.nodeID, Pending: diag.NotObservable, Rejected: map[string]int{}}
	if m := h.metrics; m != nil {
		resp.Pending = m.Pending()
		resp.Scheduled = m.Scheduled.Total()
		resp.Delivered = m.Delivered.Total()
		resp.Blocked = m.Blocked.Total()
		resp.Dropped = m.Dropped.Total()
		m.Rejected.Each(func(reason string, v int64) { resp.Rejected[reason] = int(v) })
	}
	if h.diag != nil {
		resp.Snapshot = h.diag.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

// emitDiag writes an operator snapshot to the diagnostic stream, the HTTP
// counterpart of SIGUSR1.
func (h *Handler) emitDiag(w http.ResponseWriter, r *http.Request) {
	if h.diag == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "diagnostics disabled"})
		return
	}
	writeJSON(w, http.StatusOK, h.diag.Emit())
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
