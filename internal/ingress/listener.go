package ingress

import (
	"io"

	"github.com/snehjoshi/lateq/internal/config"
	"github.com/snehjoshi/lateq/internal/registry"
)

// Listener is a Source that owns a socket.
type Listener interface {
	Source
	io.Closer
}

// ListenerFactory binds the configured ingress socket.
type ListenerFactory func(cfg config.IngressConfig) (Listener, error)

// NewRegistry returns a registry holding every socket-backed ingress kind.
// The "none" kind has no socket and is not registered.
func NewRegistry() *registry.Registry[ListenerFactory] {
	r := registry.New[ListenerFactory]("ingress")
	r.MustRegister("udp", func(cfg config.IngressConfig) (Listener, error) {
		return ListenUDP(cfg.Address, cfg.ReadBuffer)
	})
	return r
}
