package workflow

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/tokenreg/quorum/pkg/outbound"
	"github.com/tokenreg/quorum/pkg/store"
	"github.com/tokenreg/quorum/pkg/timeline"
)

// SweepTimeouts transitions every PENDING request whose deadline is
// behind now to TIMED_OUT and returns how many it decided. Expiry is
// discovered by scanning, not by per-request timers, so a delayed or
// restarted sweep only means late timeouts, never missed ones. Safe to
// run concurrently with votes and with other sweeps: each transition is
// a compare-and-set, the losers no-op.
func (e *Engine) SweepTimeouts(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.requests.ListExpiredPending(ctx, now, 100)
	if err != nil {
		return 0, err
	}

	swept := 0
	for i := range expired {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		req := &expired[i]

		unlock := e.requestLocks.lock(req.ID)
		swapped, err := e.finalizeDecision(ctx, req, StatusTimedOut,
			timeline.EventTimedOut, outbound.EventRequestTimedOut, "system",
			store.JSONAny{"deadline": req.Deadline.Format(time.RFC3339)})
		if err != nil {
			unlock()
			e.logger.Error("sweep: timeout transition failed", "requestId", req.ID, "error", err)
			continue
		}
		if swapped {
			swept++
			e.maybeCascade(ctx, req)
		}
		unlock()
	}
	return swept, nil
}

// SweeperConfig controls the timeout sweep loop.
type SweeperConfig struct {
	Interval time.Duration // How often to scan for expired requests. Default 30s.
	Enabled  bool          // Whether the sweeper runs. Default true.
}

// DefaultSweeperConfig returns the default sweeper configuration.
func DefaultSweeperConfig() *SweeperConfig {
	return &SweeperConfig{
		Interval: 30 * time.Second,
		Enabled:  true,
	}
}

// SweeperConfigFromEnv loads config from QUORUM_SWEEP_INTERVAL_SECONDS
// and QUORUM_SWEEP_ENABLED.
func SweeperConfigFromEnv() *SweeperConfig {
	cfg := DefaultSweeperConfig()

	if v := os.Getenv("QUORUM_SWEEP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Interval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("QUORUM_SWEEP_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}
	return cfg
}

// Sweeper periodically expires overdue requests.
type Sweeper struct {
	engine *Engine
	cfg    *SweeperConfig
	logger *slog.Logger
}

// NewSweeper creates a sweeper over the engine.
func NewSweeper(engine *Engine, cfg *SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg == nil {
		cfg = DefaultSweeperConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{engine: engine, cfg: cfg, logger: logger}
}

// Run sweeps on the configured interval until the context is cancelled.
// One pass runs immediately on start so a restart expires the backlog
// without waiting a full interval.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("timeout sweeper disabled")
		return
	}

	s.logger.Info("timeout sweeper started", "interval", s.cfg.Interval.String())

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("timeout sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	swept, err := s.engine.SweepTimeouts(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("timeout sweep failed", "error", err)
		return
	}
	if swept > 0 {
		s.logger.Info("timeout sweep expired requests", "count", swept)
	}
}
