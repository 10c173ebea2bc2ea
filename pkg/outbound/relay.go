package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Handler consumes one event. Handlers must be idempotent: delivery is
// at-least-once, and one failing subscriber causes the whole event to be
// retried for all of them on the next pass.
type Handler func(ctx context.Context, e Event) error

type subscriber struct {
	name    string
	handler Handler
}

// RelayConfig controls the relay loop.
type RelayConfig struct {
	PollInterval time.Duration // How often to drain the outbox. Default 2s.
	BatchSize    int           // Max events per pass. Default 50.
	Enabled      bool          // Whether the relay runs. Default true.
}

// DefaultRelayConfig returns the default relay configuration.
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		PollInterval: 2 * time.Second,
		BatchSize:    50,
		Enabled:      true,
	}
}

// RelayConfigFromEnv loads config from QUORUM_RELAY_POLL_SECONDS,
// QUORUM_RELAY_BATCH_SIZE, and QUORUM_RELAY_ENABLED.
func RelayConfigFromEnv() *RelayConfig {
	cfg := DefaultRelayConfig()

	if v := os.Getenv("QUORUM_RELAY_POLL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("QUORUM_RELAY_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("QUORUM_RELAY_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}
	return cfg
}

// Relay drains the outbox to the registered subscribers. Subscribers are
// registered before Run; there is no framework dispatch, consumers opt in
// explicitly.
type Relay struct {
	store       *Store
	cfg         *RelayConfig
	logger      *slog.Logger
	subscribers []subscriber
}

// NewRelay creates a relay over the outbox store.
func NewRelay(store *Store, cfg *RelayConfig, logger *slog.Logger) *Relay {
	if cfg == nil {
		cfg = DefaultRelayConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{store: store, cfg: cfg, logger: logger}
}

// Subscribe registers a named consumer. Must be called before Run.
func (r *Relay) Subscribe(name string, h Handler) {
	r.subscribers = append(r.subscribers, subscriber{name: name, handler: h})
}

// Run drains the outbox on the poll interval until the context is
// cancelled. One pass runs immediately on start so a restart clears the
// backlog without waiting a full interval.
func (r *Relay) Run(ctx context.Context) {
	if !r.cfg.Enabled {
		r.logger.Info("outbound relay disabled")
		return
	}

	r.logger.Info("outbound relay started",
		"subscribers", len(r.subscribers),
		"pollInterval", r.cfg.PollInterval.String())

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.deliverPending(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbound relay stopped")
			return
		case <-ticker.C:
			r.deliverPending(ctx)
		}
	}
}

// deliverPending makes one pass over the unpublished backlog. An event is
// marked published only after every subscriber accepted it; a failure
// leaves it unpublished for the next pass.
func (r *Relay) deliverPending(ctx context.Context) int {
	events, err := r.store.ListUnpublished(ctx, r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("outbound relay: list unpublished failed", "error", err)
		return 0
	}

	delivered := 0
	for _, e := range events {
		if err := r.deliverOne(ctx, e); err != nil {
			r.logger.Warn("outbound relay: delivery failed, will retry",
				"eventID", e.ID,
				"eventType", e.EventType,
				"error", err)
			continue
		}
		if err := r.store.MarkPublished(ctx, e.ID); err != nil {
			r.logger.Error("outbound relay: mark published failed", "eventID", e.ID, "error", err)
			continue
		}
		delivered++
	}

	if delivered > 0 {
		r.logger.Info("outbound relay: delivered events", "count", delivered)
	}
	return delivered
}

func (r *Relay) deliverOne(ctx context.Context, e Event) error {
	for _, sub := range r.subscribers {
		if err := sub.handler(ctx, e); err != nil {
			return fmt.Errorf("subscriber %s: %w", sub.name, err)
		}
	}
	return nil
}
