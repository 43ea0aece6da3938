// Package scaler sizes a worker fleet to the backlog of a destination.
// It polls queue depth, computes the worker count the backlog calls for,
// and asks an orchestrator to launch the difference. Scale-in is not
// commanded: workers are expected to exit on their own when the
// destination runs dry.
package scaler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// DepthSource reports how many messages wait on the destination.
type DepthSource interface {
	Depth(ctx context.Context) (int64, error)
}

// DepthFunc adapts a function to DepthSource.
type DepthFunc func(ctx context.Context) (int64, error)

func (f DepthFunc) Depth(ctx context.Context) (int64, error) { return f(ctx) }

// WorkerSource reports how many workers are currently running.
type WorkerSource interface {
	Running(ctx context.Context) (int, error)
}

// WorkerFunc adapts a function to WorkerSource.
type WorkerFunc func(ctx context.Context) (int, error)

func (f WorkerFunc) Running(ctx context.Context) (int, error) { return f(ctx) }

// Orchestrator launches workers. Launch is called with at most
// Config.LaunchBatch at a time.
type Orchestrator interface {
	Launch(ctx context.Context, count int) error
}

// OrchestratorFunc adapts a function to Orchestrator.
type OrchestratorFunc func(ctx context.Context, count int) error

func (f OrchestratorFunc) Launch(ctx context.Context, count int) error { return f(ctx, count) }

// Config controls the scaling loop.
type Config struct {
	// MinWorkers is the floor of the fleet (default: 0).
	MinWorkers int `env:"PROQ_SCALER_MIN_WORKERS"`
	// MaxWorkers is the ceiling of the fleet.
	MaxWorkers int `env:"PROQ_SCALER_MAX_WORKERS"`
	// MessagesPerWorker is the backlog one worker is expected to absorb.
	MessagesPerWorker int `env:"PROQ_SCALER_MESSAGES_PER_WORKER"`
	// Interval between evaluations (default: 30s).
	Interval time.Duration `env:"PROQ_SCALER_INTERVAL"`
	// LaunchBatch caps how many workers one Launch call may start
	// (default: 10, matching common orchestrator API limits).
	LaunchBatch int `env:"PROQ_SCALER_LAUNCH_BATCH"`
}

// Defaults returns a Config with safe defaults. MaxWorkers must still be
// set by the caller.
func Defaults() Config {
	return Config{
		MessagesPerWorker: 10,
		Interval:          30 * time.Second,
		LaunchBatch:       10,
	}
}

// ConfigFromEnv overlays PROQ_SCALER_* environment variables on Defaults.
func ConfigFromEnv() (Config, error) {
	c := Defaults()
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("scaler: config from env: %w", err)
	}
	return c, nil
}

// Validate checks Config before the loop starts.
func (c Config) Validate() error {
	if c.MinWorkers < 0 {
		return fmt.Errorf("config: min_workers must be >= 0, got %d", c.MinWorkers)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("config: max_workers must be >= 1, got %d", c.MaxWorkers)
	}
	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("config: max_workers %d below min_workers %d", c.MaxWorkers, c.MinWorkers)
	}
	if c.MessagesPerWorker < 1 {
		return fmt.Errorf("config: messages_per_worker must be >= 1, got %d", c.MessagesPerWorker)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("config: interval must be > 0, got %v", c.Interval)
	}
	if c.LaunchBatch < 1 {
		return fmt.Errorf("config: launch_batch must be >= 1, got %d", c.LaunchBatch)
	}
	return nil
}

// Controller runs the evaluation loop. A single goroutine owns the whole
// cycle, so evaluations never overlap.
type Controller struct {
	cfg    Config
	depth  DepthSource
	fleet  WorkerSource
	orch   Orchestrator
	logger *xlog.Logger
	clock  xclock.Clock

	started   bool
	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// Option tunes a Controller.
type Option func(*Controller)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock injects a custom xclock clock.
func WithClock(clk xclock.Clock) Option {
	return func(c *Controller) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// NewController wires the loop. Nothing runs until Start.
func NewController(cfg Config, depth DepthSource, fleet WorkerSource, orch Orchestrator, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if depth == nil || fleet == nil || orch == nil {
		return nil, fmt.Errorf("scaler: depth, fleet, and orchestrator are all required")
	}
	c := &Controller{
		cfg:    cfg,
		depth:  depth,
		fleet:  fleet,
		orch:   orch,
		logger: xlog.Default(),
		clock:  xclock.Default(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c, nil
}

// Start launches the evaluation loop. Subsequent calls are no-ops.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.started = true
		go c.loop(ctx)
	})
}

// Close stops the loop and waits for the in-flight evaluation to finish.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
	if c.started {
		<-c.done
	}
}

func (c *Controller) loop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.Evaluate(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("scaler: evaluation failed")
		}
	}
}

// Evaluate runs one scaling decision: read depth and fleet size, compute
// the desired count, and launch the shortfall in batches. Exported so
// callers can force a decision outside the interval.
func (c *Controller) Evaluate(ctx context.Context) error {
	start := c.clock.Now()

	depth, err := c.depth.Depth(ctx)
	if err != nil {
		return fmt.Errorf("read depth: %w", err)
	}
	running, err := c.fleet.Running(ctx)
	if err != nil {
		return fmt.Errorf("read fleet: %w", err)
	}

	desired := c.Desired(depth)
	missing := desired - running
	if missing <= 0 {
		c.logger.Debug().Msg(fmt.Sprintf("scaler: fleet sufficient (depth=%d running=%d desired=%d)", depth, running, desired))
		return nil
	}

	launched := 0
	for launched < missing {
		batch := missing - launched
		if batch > c.cfg.LaunchBatch {
			batch = c.cfg.LaunchBatch
		}
		if err := c.orch.Launch(ctx, batch); err != nil {
			return fmt.Errorf("launch %d workers (after %d): %w", batch, launched, err)
		}
		launched += batch
	}

	c.logger.With(xlog.Dur("took", c.clock.Since(start))).
		Info().
		Msg(fmt.Sprintf("scaler: launched %d workers (depth=%d running=%d desired=%d)", launched, depth, running, desired))
	return nil
}

// Desired maps a backlog depth to a worker count, clamped to the
// configured bounds.
func (c *Controller) Desired(depth int64) int {
	if depth < 0 {
		depth = 0
	}
	n := int(math.Ceil(float64(depth) / float64(c.cfg.MessagesPerWorker)))
	if n < c.cfg.MinWorkers {
		n = c.cfg.MinWorkers
	}
	if n > c.cfg.MaxWorkers {
		n = c.cfg.MaxWorkers
	}
	return n
}
