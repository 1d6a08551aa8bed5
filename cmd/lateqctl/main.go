// Command lateqctl talks to a lateq server: it schedules payloads, waits for
// them to become ready, generates test traffic and reads server stats.
//
// Usage:
//
//	lateqctl schedule [--addr host:port] [--key K] <delay-seconds> <payload>
//	lateqctl await    [--redis host:port | --http URL] [--timeout 5s] <key>
//	lateqctl flood    [--addr host:port] [--count N] [--max-delay S] [--rate R]
//	lateqctl stats    [--http URL]
//	lateqctl diag     [--http URL]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp(ctx, os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "lateqctl: %v\n", err)
		stop()
		os.Exit(1)
	}
}
