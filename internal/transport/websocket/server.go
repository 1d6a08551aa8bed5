// Package websocket provides streaming schedule ingress for lateq.
//
// Clients open a WebSocket connection to:
//
//	GET /v1/ws
//
// Every binary message is one schedule frame, byte-for-byte what a UDP
// producer would send. Text messages are ignored. Accepted frames get no
// reply; a rejected frame gets one text message back:
//
//	{"type":"rejected","error":"frame: invalid delay","bytes":7}
package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/lateq/internal/ingress"
)

// MaxMessageBytes caps a single binary message.
const MaxMessageBytes = 64 << 10

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin admits clients that send no Origin (anything but a browser) and
// browsers whose Origin host equals the requested Host. The scheme is not
// compared, so ws:// and http:// pages on the same host both pass.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && u.Host == r.Host
}

// Handler serves the WebSocket ingress endpoint.
type Handler struct {
	Admit  ingress.Admitter
	Logger *slog.Logger
}

// rejectFrame is sent back for every frame Admit refuses.
type rejectFrame struct {
	Type  string `json:"type"` // "rejected"
	Error string `json:"error"`
	Bytes int    `json:"bytes"`
}

// ServeHTTP upgrades the connection and admits binary messages until the
// client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.Logger
	if log == nil {
		log = slog.Default()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(MaxMessageBytes)

	for {
		typ, raw, err := conn.ReadMessage()
		if err != nil {
			if !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				log.Debug("websocket read ended", "remote", r.RemoteAddr, "err", err)
			}
			return
		}
		if typ != gorillaws.BinaryMessage {
			continue
		}
		if admitErr := h.Admit.Admit(raw); admitErr != nil {
			data, _ := json.Marshal(rejectFrame{Type: "rejected", Error: admitErr.Error(), Bytes: len(raw)})
			if writeErr := conn.WriteMessage(gorillaws.TextMessage, data); writeErr != nil {
				return
			}
		}
	}
}
