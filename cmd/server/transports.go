package main

import (
	"context"
	"fmt"

	"github.com/snehjoshi/lateq/internal/config"
	"github.com/snehjoshi/lateq/internal/egress"
	"github.com/snehjoshi/lateq/internal/ingress"
)

// openEgress builds the sender registered for cfg.Kind. An unregistered kind
// wraps registry.ErrNotFound.
func openEgress(ctx context.Context, cfg config.EgressConfig, env egress.Env) (egress.Sender, error) {
	factory, err := egress.NewRegistry().Lookup(cfg.Kind)
	if err != nil {
		return nil, err
	}
	sender, err := factory(ctx, cfg, env)
	if err != nil {
		return nil, fmt.Errorf("open egress: %w", err)
	}
	return sender, nil
}

// openIngress binds the socket registered for cfg.Kind. Kind "none" yields a
// nil Listener; frames then arrive over HTTP and WebSocket only.
func openIngress(cfg config.IngressConfig) (ingress.Listener, error) {
	if cfg.Kind == "none" {
		return nil, nil
	}
	listen, err := ingress.NewRegistry().Lookup(cfg.Kind)
	if err != nil {
		return nil, err
	}
	src, err := listen(cfg)
	if err != nil {
		return nil, fmt.Errorf("open ingress: %w", err)
	}
	return src, nil
}
