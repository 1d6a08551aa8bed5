// Command lateq-server is the lateq deferred delivery server.
// It loads configuration, initialises node identity, binds the ingress
// socket, opens the egress and runs one or more scheduler instances.
//
// Usage:
//
//	lateq-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/lateq/internal/config"
	"github.com/snehjoshi/lateq/internal/diag"
	"github.com/snehjoshi/lateq/internal/egress"
	"github.com/snehjoshi/lateq/internal/ingress"
	"github.com/snehjoshi/lateq/internal/metrics"
	"github.com/snehjoshi/lateq/internal/node"
	"github.com/snehjoshi/lateq/internal/scheduler"
	transphttp "github.com/snehjoshi/lateq/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "lateq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return fmt.Errorf("invalid config: log.level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	slog.Info("lateq starting",
		"node_id", n.ID(),
		"ingress", cfg.Ingress.Kind,
		"ingress_addr", cfg.Ingress.Address,
		"egress", cfg.Egress.Kind,
		"egress_addr", cfg.Egress.Address,
		"instances", cfg.Node.Instances,
		"data_dir", n.DataDir(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 4. Open egress ───────────────────────────────────────────────────────
	sender, err := openEgress(ctx, cfg.Egress, egress.Env{DataDir: n.DataDir(), Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := sender.Close(); err != nil {
			slog.Warn("egress close error", "err", err)
		}
	}()

	// ── 5. Bind ingress socket ───────────────────────────────────────────────
	src, err := openIngress(cfg.Ingress)
	if err != nil {
		return err
	}
	if src != nil {
		defer src.Close()
	}

	// ── 6. Metrics and diagnostics ───────────────────────────────────────────
	metricsReg := &metrics.Registry{}

	gauges := diag.Gauges{Pending: metricsReg.Pending}
	if d, ok := sender.(egress.Depther); ok {
		gauges.Egress = d.Depth
	}
	diagLog := slog.New(slog.NewTextHandler(os.Stderr, nil))
	reporter := diag.New(diagLog, n.ID().String(), cfg.Diag.Window.Std(), gauges)

	// ── 7. Scheduler instances ───────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	receivers := make([]*ingress.Receiver, 0, cfg.Node.Instances)
	for i := range cfg.Node.Instances {
		name := n.Instance(i)
		log := logger.With("instance", name)

		q := scheduler.NewQueue()
		metricsReg.TrackPending(name, q.Len)

		d := scheduler.NewDispatcher(q, sender,
			scheduler.WithPollInterval(cfg.Scheduler.PollInterval.Std()),
			scheduler.WithLogger(log),
			scheduler.WithMetrics(metricsReg, name),
			scheduler.WithBlockedHook(reporter.Blocked),
		)
		r := ingress.NewReceiver(q,
			ingress.WithMaxDelay(cfg.Ingress.MaxDelay.Std()),
			ingress.WithLogger(log),
			ingress.WithMetrics(metricsReg, name),
		)
		receivers = append(receivers, r)

		g.Go(func() error { return d.Run(gctx) })
		if src != nil {
			g.Go(func() error { return r.Run(gctx, src) })
		}
	}

	// ── 8. On-demand diagnostics ─────────────────────────────────────────────
	if len(diagSignals) > 0 {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, diagSignals...)
		defer signal.Stop(sigs)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-sigs:
					reporter.Emit()
				}
			}
		})
	}

	// ── 9. HTTP / WebSocket transport ────────────────────────────────────────
	if cfg.HTTP.Enabled {
		deps := transphttp.Deps{
			Admit:   ingress.NewPool(receivers...),
			Diag:    reporter,
			Metrics: metricsReg,
			NodeID:  n.ID().String(),
			Logger:  logger,
		}
		if rs, ok := sender.(egress.ReadyStore); ok {
			deps.Ready = rs
		}
		srv := transphttp.New(cfg, deps)
		addr := net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port))

		g.Go(func() error {
			slog.Info("http listening", "addr", addr)
			if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			// Give in-flight requests 5 seconds to complete.
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutCtx); err != nil {
				slog.Warn("server shutdown error", "err", err)
			}
			return nil
		})
	}

	slog.Info("lateq ready", "node_id", n.ID())

	// ── 10. Run until a signal or a component failure ────────────────────────
	err = g.Wait()
	if ctx.Err() != nil {
		slog.Info("shutting down", "cause", context.Cause(ctx))
	}
	if err != nil {
		return err
	}
	// Entries still pending are not persisted.
	slog.Info("lateq stopped", "pending_dropped", metricsReg.Pending())
	return nil
}
