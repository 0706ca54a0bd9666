package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"depositflow/internal/common/metrics"
	"depositflow/internal/deposit"
)

// Config holds watcher configuration
type Config struct {
	PollInterval   time.Duration `envconfig:"WATCHER_POLL_INTERVAL" default:"15s"`
	ResyncInterval time.Duration `envconfig:"WATCHER_RESYNC_INTERVAL" default:"1m"`
	MaxConcurrent  int64         `envconfig:"WATCHER_MAX_CONCURRENT" default:"64"`
	CallTimeout    time.Duration `envconfig:"WATCHER_CALL_TIMEOUT" default:"10s"`
	MaxAttempts    uint64        `envconfig:"WATCHER_MAX_ATTEMPTS" default:"3"`
}

// Sessions is the part of the deposit service the watcher drives
type Sessions interface {
	Get(ctx context.Context, id string) (*deposit.Session, error)
	ListActive(ctx context.Context, limit int) ([]*deposit.Session, error)
	RecordPending(ctx context.Context, id string) (*deposit.Session, error)
	Confirm(ctx context.Context, id string, obs deposit.Observation) (*deposit.Session, error)
}

// Watcher runs one polling loop per active session, bounded by
// MaxConcurrent. Sessions that do not fit are picked up by a later resync.
type Watcher struct {
	sessions Sessions
	rail     Rail
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	sem    *semaphore.Weighted
	track  chan string
	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

// New creates a new watcher
func New(sessions Sessions, rail Rail, cfg Config, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 64
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &Watcher{
		sessions: sessions,
		rail:     rail,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		track:    make(chan string, 1024),
		active:   make(map[string]struct{}),
	}
}

// WithClock overrides the clock, for tests
func (w *Watcher) WithClock(now func() time.Time) *Watcher {
	w.now = now
	return w
}

// Track asks the watcher to start on a session without waiting for the
// next resync. It never blocks.
func (w *Watcher) Track(sessionID string) {
	select {
	case w.track <- sessionID:
	default:
		w.logger.Warn("watcher track queue full, deferring to resync", "session_id", sessionID)
	}
}

// Run supervises watch loops until ctx is cancelled, then waits for them.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.ResyncInterval)
	defer ticker.Stop()

	w.logger.Info("settlement watcher started",
		"poll_interval", w.cfg.PollInterval,
		"max_concurrent", w.cfg.MaxConcurrent,
	)
	w.resync(ctx)

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.logger.Info("settlement watcher stopped")
			return nil
		case id := <-w.track:
			w.start(ctx, id)
		case <-ticker.C:
			w.resync(ctx)
		}
	}
}

func (w *Watcher) resync(ctx context.Context) {
	active, err := w.sessions.ListActive(ctx, 0)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("listing active sessions failed", "error", err)
		}
		return
	}
	for _, s := range active {
		w.start(ctx, s.ID)
	}
}

// Watching reports how many sessions have a running loop
func (w *Watcher) Watching() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

func (w *Watcher) start(ctx context.Context, id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.active[id]; ok {
		return
	}
	if !w.sem.TryAcquire(1) {
		w.logger.Debug("watcher at capacity", "session_id", id)
		return
	}
	w.active[id] = struct{}{}
	metrics.ActiveWatchers.Inc()

	w.wg.Add(1)
	go func() {
		defer func() {
			w.mu.Lock()
			delete(w.active, id)
			w.mu.Unlock()
			metrics.ActiveWatchers.Dec()
			w.sem.Release(1)
			w.wg.Done()
		}()
		w.watch(ctx, id)
	}()
}

func (w *Watcher) watch(ctx context.Context, id string) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if w.poll(ctx, id) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll checks the rail once and reports whether watching should stop.
func (w *Watcher) poll(ctx context.Context, id string) bool {
	sess, err := w.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, deposit.ErrSessionNotFound) {
			return true
		}
		if ctx.Err() == nil {
			w.logger.Error("loading session failed", "session_id", id, "error", err)
		}
		return false
	}
	// expiry belongs to the sweeper
	if !sess.State.IsActive() || !sess.Quote.ValidAt(w.now()) {
		return true
	}

	obs, err := w.lookup(ctx, sess)
	if err != nil {
		metrics.WatcherPolls.WithLabelValues("error").Inc()
		if ctx.Err() == nil {
			w.logger.Warn("rail lookup failed", "session_id", id, "error", err)
		}
		return false
	}
	if obs == nil {
		metrics.WatcherPolls.WithLabelValues("empty").Inc()
		return false
	}

	switch obs.Status {
	case deposit.ObservationPending:
		metrics.WatcherPolls.WithLabelValues("pending").Inc()
		if sess.State == deposit.StateQuoteIssued {
			if _, err := w.sessions.RecordPending(ctx, id); err != nil {
				w.logger.Warn("recording pending settlement failed", "session_id", id, "error", err)
				kind := deposit.KindOf(err)
				return kind == deposit.KindTemporal || kind == deposit.KindConsistency
			}
		}
		return false
	case deposit.ObservationConfirmed:
		metrics.WatcherPolls.WithLabelValues("confirmed").Inc()
		updated, err := w.sessions.Confirm(ctx, id, *obs)
		if err != nil {
			w.logger.Warn("applying settlement failed", "session_id", id, "reference", obs.Reference, "error", err)
		}
		return updated != nil && updated.State.IsTerminal()
	default:
		w.logger.Warn("unknown observation status", "session_id", id, "status", obs.Status)
		return false
	}
}

// lookup queries the rail with a per-call timeout, retrying transient
// failures a bounded number of times.
func (w *Watcher) lookup(ctx context.Context, sess *deposit.Session) (*deposit.Observation, error) {
	var obs *deposit.Observation

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = w.cfg.PollInterval
	b := backoff.WithContext(backoff.WithMaxRetries(policy, w.cfg.MaxAttempts-1), ctx)

	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
		defer cancel()

		var err error
		obs, err = w.rail.Lookup(callCtx, sess.Quote.Destination, sess.Quote.NativeAmount.Asset)
		if err != nil && !errors.Is(err, ErrRailUnavailable) && !errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	return obs, err
}
