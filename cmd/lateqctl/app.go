package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli"
	"golang.org/x/time/rate"

	"github.com/snehjoshi/lateq/pkg/client"
)

const (
	defaultIngress = "127.0.0.1:1111"
	defaultHTTP    = "http://127.0.0.1:8080"
)

var (
	ingressFlag = cli.StringFlag{
		Name:   "addr, a",
		Value:  defaultIngress,
		Usage:  "UDP ingress address of the server",
		EnvVar: "LATEQ_INGRESS_ADDR",
	}
	httpFlag = cli.StringFlag{
		Name:   "http",
		Value:  defaultHTTP,
		Usage:  "base URL of the server's HTTP API",
		EnvVar: "LATEQ_HTTP_URL",
	}
	apiKeyFlag = cli.StringFlag{
		Name:   "api-key",
		Usage:  "API key sent as X-Api-Key",
		EnvVar: "LATEQ_AUTH_API_KEY",
	}
	keyFlag = cli.StringFlag{
		Name:  "key, k",
		Usage: "ready list to deliver to (sent as a \"key\\t\" payload prefix)",
	}
)

// newApp builds the CLI. ctx cancels long-running commands; out receives
// command output.
func newApp(ctx context.Context, out io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "lateqctl"
	app.HelpName = "lateqctl"
	app.Usage = "schedule and collect deferred payloads on a lateq server"
	app.UsageText = "lateqctl <command> [arguments...]"
	app.Version = version
	app.Writer = out
	app.Commands = []cli.Command{
		{
			Name:      "schedule",
			Aliases:   []string{"s"},
			Usage:     "schedule one payload over UDP",
			ArgsUsage: "<delay-seconds> <payload>",
			Flags:     []cli.Flag{ingressFlag, keyFlag},
			Action:    schedule,
		},
		{
			Name:      "await",
			Aliases:   []string{"w"},
			Usage:     "wait for the next ready payload of a list and print it",
			ArgsUsage: "<key>",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "redis",
					Usage: "read straight from Redis at host:port instead of the HTTP API",
				},
				httpFlag,
				apiKeyFlag,
				cli.DurationFlag{
					Name:  "timeout, t",
					Value: 5 * time.Second,
					Usage: "how long to wait; 0 polls once",
				},
			},
			Action: func(c *cli.Context) error { return await(ctx, c) },
		},
		{
			Name:  "flood",
			Usage: "send a burst of frames with random delays",
			Flags: []cli.Flag{
				ingressFlag,
				keyFlag,
				cli.IntFlag{Name: "count, n", Value: 1000, Usage: "number of frames"},
				cli.Float64Flag{Name: "max-delay", Value: 10, Usage: "delays are drawn from [0, max-delay) seconds"},
				cli.Float64Flag{Name: "rate, r", Usage: "frames per second; 0 sends as fast as possible"},
			},
			Action: func(c *cli.Context) error { return flood(ctx, c) },
		},
		{
			Name:   "stats",
			Usage:  "print the server's scheduling counters",
			Flags:  []cli.Flag{httpFlag, apiKeyFlag},
			Action: func(c *cli.Context) error { return stats(ctx, c) },
		},
		{
			Name:   "diag",
			Usage:  "ask the server to log a queue-depth snapshot",
			Flags:  []cli.Flag{httpFlag, apiKeyFlag},
			Action: func(c *cli.Context) error { return diagnose(ctx, c) },
		},
	}
	return app
}

func httpClient(c *cli.Context) *client.Client {
	var opts []client.ClientOption
	if k := c.String("api-key"); k != "" {
		opts = append(opts, client.WithAPIKey(k))
	}
	return client.New(c.String("http"), opts...)
}

func schedule(c *cli.Context) error {
	if c.NArg() != 2 {
		_ = cli.ShowCommandHelp(c, c.Command.Name)
		return errors.New("schedule needs <delay-seconds> and <payload>")
	}
	delay, err := parseDelay(c.Args().Get(0))
	if err != nil {
		return err
	}
	p, err := client.NewProducer(c.String("addr"))
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.String("addr"), err)
	}
	defer p.Close()

	payload := []byte(c.Args().Get(1))
	if key := c.String("key"); key != "" {
		p.ScheduleKeyed(delay, key, payload)
	} else {
		p.Schedule(delay, payload)
	}
	return nil
}

func await(ctx context.Context, c *cli.Context) error {
	if c.NArg() != 1 {
		_ = cli.ShowCommandHelp(c, c.Command.Name)
		return errors.New("await needs <key>")
	}
	key := c.Args().First()
	timeout := c.Duration("timeout")

	var (
		payload []byte
		ok      bool
		err     error
	)
	if addr := c.String("redis"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
		payload, ok, err = client.NewRedisConsumer(rdb).AwaitReady(ctx, key, timeout)
	} else {
		payload, ok, err = httpClient(c).AwaitReady(ctx, key, timeout)
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("nothing ready on %q within %v", key, timeout)
	}
	_, err = fmt.Fprintf(c.App.Writer, "%s\n", payload)
	return err
}

func flood(ctx context.Context, c *cli.Context) error {
	count := c.Int("count")
	maxDelay := c.Float64("max-delay")
	if count < 1 {
		return errors.New("--count must be at least 1")
	}
	if maxDelay < 0 {
		return errors.New("--max-delay must be >= 0")
	}

	p, err := client.NewProducer(c.String("addr"))
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.String("addr"), err)
	}
	defer p.Close()

	lim := rate.NewLimiter(rate.Inf, 1)
	if r := c.Float64("rate"); r > 0 {
		lim = rate.NewLimiter(rate.Limit(r), 1)
	}

	key := c.String("key")
	start := time.Now()
	for i := range count {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("flood interrupted after %d frames: %w", i, err)
		}
		delay := float32(rand.Float64() * maxDelay)
		payload := []byte("flood-" + strconv.Itoa(i))
		if key != "" {
			p.ScheduleKeyed(delay, key, payload)
		} else {
			p.Schedule(delay, payload)
		}
	}
	_, err = fmt.Fprintf(c.App.Writer, "sent %d frames in %v\n", count, time.Since(start).Round(time.Millisecond))
	return err
}

func stats(ctx context.Context, c *cli.Context) error {
	s, err := httpClient(c).Stats(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func diagnose(ctx context.Context, c *cli.Context) error {
	if err := httpClient(c).Diag(ctx); err != nil {
		return err
	}
	_, err := fmt.Fprintln(c.App.Writer, "snapshot written to the server's diagnostic stream")
	return err
}

// parseDelay parses a delay in seconds as the wire format carries it.
func parseDelay(s string) (float32, error) {
	f, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q: %w", s, err)
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid delay %q: must be a finite number >= 0", s)
	}
	return float32(f), nil
}
