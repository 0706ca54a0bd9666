package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"depositflow/internal/common/metrics"
)

// RelayConfig holds outbox relay configuration
type RelayConfig struct {
	Interval   time.Duration `envconfig:"OUTBOX_INTERVAL" default:"1s"`
	MaxBackoff time.Duration `envconfig:"OUTBOX_MAX_BACKOFF" default:"1m"`
	BatchSize  int           `envconfig:"OUTBOX_BATCH_SIZE" default:"100"`

	// MaxAttempts bounds retries of non-critical events before they are
	// dead-lettered. Critical events are retried without limit.
	MaxAttempts   int  `envconfig:"OUTBOX_MAX_ATTEMPTS" default:"20"`
	ReplayOnStart bool `envconfig:"OUTBOX_REPLAY_ON_START" default:"true"`
}

// Relay moves committed outbox entries to the broker
type Relay struct {
	outbox    Outbox
	publisher EventPublisher
	cfg       RelayConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewRelay creates a new outbox relay
func NewRelay(outbox Outbox, publisher EventPublisher, cfg RelayConfig, logger *slog.Logger) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = cfg.Interval
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Run drains the outbox until ctx is cancelled. A failed flush is retried
// with exponential backoff capped at MaxBackoff.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started", "interval", r.cfg.Interval)

	if r.cfg.ReplayOnStart {
		n, err := r.outbox.ReplayDead(ctx)
		if err != nil {
			r.logger.Error("replaying dead-lettered outbox entries", "error", err)
		} else if n > 0 {
			r.logger.Info("requeued dead-lettered outbox entries", "count", n)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.Interval
	policy.MaxInterval = r.cfg.MaxBackoff
	policy.MaxElapsedTime = 0
	policy.Reset()

	timer := time.NewTimer(r.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-timer.C:
			wait := r.cfg.Interval
			if _, err := r.Flush(ctx); err != nil {
				wait = policy.NextBackOff()
				r.logger.Error("outbox flush failed", "error", err, "retry_in", wait)
			} else {
				policy.Reset()
			}
			timer.Reset(wait)
		}
	}
}

// Flush publishes one batch in outbox order and returns how many entries
// were delivered. It stops at the first entry the broker refuses and
// returns the publish error, unless that entry is non-critical and has
// used up MaxAttempts, in which case it is dead-lettered and the batch
// continues.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	entries, err := r.outbox.PendingOutbox(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("loading outbox: %w", err)
	}

	published := 0
	for _, entry := range entries {
		var event Event
		if err := json.Unmarshal(entry.Payload, &event); err != nil {
			if err := r.deadLetter(ctx, entry, "corrupt payload: "+err.Error()); err != nil {
				return published, err
			}
			continue
		}

		if err := r.publisher.Publish(ctx, &event); err != nil {
			metrics.OutboxPublished.WithLabelValues("error").Inc()
			attempts := entry.Attempts + 1
			r.logger.Warn("outbox publish failed",
				"outbox_id", entry.ID,
				"event_type", entry.EventType,
				"attempts", attempts,
				"error", err,
			)
			if r.exhausted(entry.EventType, attempts) {
				if err := r.deadLetter(ctx, entry, err.Error()); err != nil {
					return published, err
				}
				continue
			}
			if markErr := r.outbox.MarkFailed(ctx, entry.ID, err.Error()); markErr != nil {
				return published, fmt.Errorf("marking outbox entry failed: %w", markErr)
			}
			return published, fmt.Errorf("publishing outbox entry %d (%s): %w", entry.ID, entry.EventType, err)
		}

		if err := r.outbox.MarkPublished(ctx, entry.ID, r.now().UTC()); err != nil {
			return published, fmt.Errorf("marking outbox entry published: %w", err)
		}
		metrics.OutboxPublished.WithLabelValues("ok").Inc()
		published++
	}

	return published, nil
}

func (r *Relay) exhausted(eventType string, attempts int) bool {
	return r.cfg.MaxAttempts > 0 && attempts >= r.cfg.MaxAttempts && !IsCritical(eventType)
}

func (r *Relay) deadLetter(ctx context.Context, entry OutboxEntry, reason string) error {
	if err := r.outbox.MarkDead(ctx, entry.ID, r.now().UTC(), reason); err != nil {
		return fmt.Errorf("dead-lettering outbox entry: %w", err)
	}
	metrics.OutboxPublished.WithLabelValues("dead_letter").Inc()
	r.logger.Error("outbox entry dead-lettered",
		"alert", true,
		"outbox_id", entry.ID,
		"event_id", entry.EventID,
		"event_type", entry.EventType,
		"reason", reason,
	)
	return nil
}
