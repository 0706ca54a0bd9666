package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"depositflow/internal/common/metrics"
	"depositflow/internal/common/money"
)

// Config holds rate lookup configuration
type Config struct {
	MaxAge      time.Duration `envconfig:"RATE_MAX_AGE" default:"60s"`
	CacheTTL    time.Duration `envconfig:"RATE_CACHE_TTL" default:"30s"`
	MaxAttempts uint64        `envconfig:"RATE_MAX_ATTEMPTS" default:"3"`
	MaxElapsed  time.Duration `envconfig:"RATE_MAX_ELAPSED" default:"5s"`
}

// Source fetches a fresh snapshot
type Source interface {
	Rate(ctx context.Context, asset, fiat money.Asset) (Snapshot, error)
}

// Provider serves snapshots from the cache, falling back to the source.
type Provider struct {
	source Source
	cache  Cache
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewProvider creates a new rate provider. cache may be nil.
func NewProvider(source Source, cache Cache, cfg Config, logger *slog.Logger) *Provider {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &Provider{
		source: source,
		cache:  cache,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the clock, for tests
func (p *Provider) WithClock(now func() time.Time) *Provider {
	p.now = now
	return p
}

// MaxAge is the freshness bound applied to snapshots
func (p *Provider) MaxAge() time.Duration {
	return p.cfg.MaxAge
}

// Snapshot returns a snapshot no older than MaxAge and not stamped in the
// future, or ErrStaleRate.
func (p *Provider) Snapshot(ctx context.Context, asset, fiat money.Asset) (Snapshot, error) {
	if p.cache != nil {
		snap, err := p.cache.Get(ctx, asset, fiat)
		switch {
		case err == nil && snap.CheckFresh(p.now(), p.cfg.MaxAge) == nil:
			metrics.RateFetches.WithLabelValues("cache_hit").Inc()
			return snap, nil
		case err != nil && !errors.Is(err, ErrCacheMiss):
			p.logger.Warn("rate cache read failed", "asset", asset, "error", err)
		}
	}

	snap, err := p.fetch(ctx, asset, fiat)
	if err != nil {
		metrics.RateFetches.WithLabelValues("error").Inc()
		return Snapshot{}, err
	}
	if err := snap.CheckFresh(p.now(), p.cfg.MaxAge); err != nil {
		metrics.RateFetches.WithLabelValues("stale").Inc()
		return Snapshot{}, fmt.Errorf("source %s/%s: %w", asset, fiat, err)
	}
	metrics.RateFetches.WithLabelValues("source").Inc()

	if p.cache != nil {
		if err := p.cache.Set(ctx, snap, p.cfg.CacheTTL); err != nil {
			p.logger.Warn("rate cache write failed", "asset", asset, "error", err)
		}
	}
	return snap, nil
}

func (p *Provider) fetch(ctx context.Context, asset, fiat money.Asset) (Snapshot, error) {
	var snap Snapshot

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	if p.cfg.MaxElapsed > 0 {
		policy.MaxElapsedTime = p.cfg.MaxElapsed
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, p.cfg.MaxAttempts-1), ctx)

	err := backoff.RetryNotify(func() error {
		var err error
		snap, err = p.source.Rate(ctx, asset, fiat)
		if err != nil && !errors.Is(err, ErrSourceUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		p.logger.Info("rate source failed, retrying", "asset", asset, "backoff", wait, "error", err)
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetching %s/%s rate: %w", asset, fiat, err)
	}
	return snap, nil
}
