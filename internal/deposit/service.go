package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"depositflow/internal/bonus"
	"depositflow/internal/common/database"
	"depositflow/internal/common/events"
	"depositflow/internal/common/metrics"
	"depositflow/internal/common/money"
	"depositflow/internal/rates"
)

// Config holds session lifecycle configuration
type Config struct {
	QuoteTTL time.Duration `envconfig:"DEPOSIT_QUOTE_TTL" default:"24h"`

	// ToleranceLower nil means DefaultTolerance.Lower. An explicit zero is
	// kept. ToleranceUpper zero means no ceiling.
	ToleranceLower *decimal.Decimal `envconfig:"DEPOSIT_TOLERANCE_LOWER" default:"1"`
	ToleranceUpper decimal.Decimal  `envconfig:"DEPOSIT_TOLERANCE_UPPER" default:"0"`

	MaxStaleRetries int           `envconfig:"DEPOSIT_MAX_STALE_RETRIES" default:"5"`
	ProbeTimeout    time.Duration `envconfig:"DEPOSIT_PROBE_TIMEOUT" default:"5s"`
	SweepInterval   time.Duration `envconfig:"DEPOSIT_SWEEP_INTERVAL" default:"30s"`
	SweepBatch      int           `envconfig:"DEPOSIT_SWEEP_BATCH" default:"500"`
}

// Tolerance returns the settlement band the config describes
func (c Config) Tolerance() Tolerance {
	t := Tolerance{Lower: DefaultTolerance.Lower, Upper: c.ToleranceUpper}
	if c.ToleranceLower != nil {
		t.Lower = *c.ToleranceLower
	}
	return t
}

// RateProvider supplies exchange-rate snapshots
type RateProvider interface {
	Snapshot(ctx context.Context, asset, fiat money.Asset) (rates.Snapshot, error)
	MaxAge() time.Duration
}

// Prober asks the settlement rail what it has seen for a destination
type Prober interface {
	Lookup(ctx context.Context, dest Destination, asset money.Asset) (*Observation, error)
}

// Tracker starts watching a session for settlement
type Tracker interface {
	Track(sessionID string)
}

var requestValidator = validator.New()

// Service orchestrates deposit sessions.
type Service struct {
	store   Store
	catalog *Catalog
	rates   RateProvider
	prober  Prober
	tracker Tracker
	cfg     Config
	tol     Tolerance
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a new deposit service. It fails when the configured
// settlement tolerance is invalid.
func NewService(store Store, catalog *Catalog, rateProvider RateProvider, cfg Config, logger *slog.Logger) (*Service, error) {
	tol := cfg.Tolerance()
	if err := tol.Validate(); err != nil {
		return nil, err
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = DefaultQuoteTTL
	}
	if cfg.MaxStaleRetries <= 0 {
		cfg.MaxStaleRetries = 5
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Service{
		store:   store,
		catalog: catalog,
		rates:   rateProvider,
		cfg:     cfg,
		tol:     tol,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// WithProber sets the rail used to check for settlement before cancelling
func (s *Service) WithProber(p Prober) *Service {
	s.prober = p
	return s
}

// WithTracker sets the watcher notified of newly issued quotes
func (s *Service) WithTracker(t Tracker) *Service {
	s.tracker = t
	return s
}

// WithClock overrides the clock, for tests
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Catalog returns the configured catalog
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

func (s *Service) issuer() QuoteIssuer {
	return QuoteIssuer{TTL: s.cfg.QuoteTTL, MaxAge: s.rates.MaxAge()}
}

// CreateSession validates req, opens a session and issues its first quote.
// Validation errors create no session. A rate failure leaves the session
// in StateFailed and returns it with the error.
func (s *Service) CreateSession(ctx context.Context, req DepositRequest) (*Session, error) {
	method, tier, bonusAmount, err := s.prepare(req)
	if err != nil {
		return nil, err
	}

	sess := NewSession(ulid.Make().String(), req, s.now())
	if err := s.store.Create(ctx, sess, nil); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	metrics.SessionTransitions.WithLabelValues(string(StateCreated)).Inc()

	snap, err := s.rates.Snapshot(ctx, method.Asset, method.FiatCurrency)
	if err == nil {
		var q Quote
		q, err = s.issuer().Issue(sess.ID, method, req.Amount, snap, s.now())
		if err == nil {
			err = sess.IssueQuote(method, q, tier, bonusAmount, s.now())
		}
	}
	if err != nil {
		return s.failQuote(ctx, sess, err)
	}

	if err := s.save(ctx, StateCreated, sess, nil); err != nil {
		return nil, err
	}

	s.logger.Info("quote issued",
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"method_id", method.ID,
		"fiat", sess.Quote.FiatAmount.String(),
		"native", sess.Quote.NativeAmount.String(),
		"bonus", sess.BonusAmount.String(),
		"expires_at", sess.Quote.ExpiresAt,
	)
	s.track(sess.ID)
	return sess, nil
}

func (s *Service) failQuote(ctx context.Context, sess *Session, cause error) (*Session, error) {
	before := sess.State
	if err := sess.Fail(failureCodeFor(cause), cause.Error(), s.now()); err != nil {
		return nil, err
	}
	if err := s.save(ctx, before, sess, nil); err != nil {
		return nil, err
	}

	s.logger.Warn("quote failed", "session_id", sess.ID, "error", cause)
	if errors.Is(cause, ErrStaleRate) {
		return sess, cause
	}
	return sess, fmt.Errorf("%w: %w", ErrRateUnavailable, cause)
}

// prepare validates a request against the catalog and resolves its bonus.
func (s *Service) prepare(req DepositRequest) (PaymentMethod, *bonus.Tier, money.Money, error) {
	if err := requestValidator.Struct(req); err != nil {
		return PaymentMethod{}, nil, money.Money{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if !req.Amount.IsPositive() {
		return PaymentMethod{}, nil, money.Money{}, ErrInvalidAmount
	}
	if req.DeclineBonus && req.BonusTierID != "" {
		return PaymentMethod{}, nil, money.Money{}, fmt.Errorf("%w: bonus_tier_id set while declining bonus", ErrInvalidRequest)
	}

	method, err := s.catalog.Method(req.MethodID)
	if err != nil {
		return PaymentMethod{}, nil, money.Money{}, err
	}
	if req.Amount.Asset != method.FiatCurrency {
		return PaymentMethod{}, nil, money.Money{}, fmt.Errorf("%w: %s accepts %s amounts", ErrInvalidRequest, method.ID, method.FiatCurrency)
	}
	if !method.InRange(req.Amount.Amount) {
		return PaymentMethod{}, nil, money.Money{}, fmt.Errorf("%w: %s not within [%s, %s]",
			ErrAmountOutOfRange, req.Amount.Amount, method.MinAmount, method.MaxAmount)
	}

	noBonus := money.Zero(req.Amount.Asset)
	if req.DeclineBonus {
		return method, nil, noBonus, nil
	}

	var tier *bonus.Tier
	if req.BonusTierID != "" {
		t, ok := bonus.Eligible(req.BonusTierID, req.Amount.Amount, s.catalog.Tiers())
		if !ok {
			return PaymentMethod{}, nil, money.Money{}, fmt.Errorf("%w: %s", ErrBonusNotEligible, req.BonusTierID)
		}
		tier = t
	} else {
		tier = bonus.SelectTier(req.Amount.Amount, s.catalog.Tiers())
	}
	if tier == nil {
		return method, nil, noBonus, nil
	}
	return method, tier, bonus.Amount(*tier, req.Amount), nil
}

// Get returns a session by id
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.store.Get(ctx, id)
}

// GetForUser returns a session owned by userID. Other users' sessions are
// reported as not found.
func (s *Service) GetForUser(ctx context.Context, id, userID string) (*Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// ListForUser returns a page of a user's sessions, newest first
func (s *Service) ListForUser(ctx context.Context, userID string, limit, offset int) ([]*Session, int64, error) {
	return s.store.ListByUser(ctx, userID, limit, offset)
}

// ListActive returns sessions that hold a live quote
func (s *Service) ListActive(ctx context.Context, limit int) ([]*Session, error) {
	return s.store.ListActive(ctx, limit)
}

// Submit records the user's claim that funds were sent.
func (s *Service) Submit(ctx context.Context, id, userID string) (*Session, error) {
	if _, err := s.GetForUser(ctx, id, userID); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, nil, func(sess *Session) error {
		return sess.MarkSubmitted(s.now())
	})
}

// RecordPending applies a pending observation from the rail.
func (s *Service) RecordPending(ctx context.Context, id string) (*Session, error) {
	return s.mutate(ctx, id, nil, func(sess *Session) error {
		return sess.MarkSubmitted(s.now())
	})
}

// Confirm applies a confirmed settlement to the session. Repeated
// deliveries of the same confirmation are absorbed.
func (s *Service) Confirm(ctx context.Context, id string, obs Observation) (*Session, error) {
	sess, err := s.mutate(ctx, id, &obs, func(sess *Session) error {
		return sess.Confirm(obs, s.tol, s.now())
	})
	if err == nil && sess != nil && sess.State == StateConfirmed {
		s.logger.Info("deposit confirmed",
			"session_id", sess.ID,
			"user_id", sess.UserID,
			"reference", sess.IdempotencyKey,
			"credited", sess.Quote.FiatAmount.String(),
			"bonus", sess.BonusAmount.String(),
		)
	}
	return sess, err
}

// ConfirmByMemo resolves the session from a destination memo and confirms it.
func (s *Service) ConfirmByMemo(ctx context.Context, memo string, obs Observation) (*Session, error) {
	sess, err := s.store.GetByMemo(ctx, memo)
	if err != nil {
		return nil, err
	}
	return s.Confirm(ctx, sess.ID, obs)
}

// Cancel closes a session on the user's request. Settlement already seen on
// the rail takes precedence: a confirmed transfer confirms the session
// instead, and a pending one blocks the cancellation.
func (s *Service) Cancel(ctx context.Context, id, userID, reason string) (*Session, error) {
	sess, err := s.GetForUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	if sess.State.IsActive() && s.prober != nil {
		obs, err := s.probe(ctx, sess)
		if err != nil {
			return sess, fmt.Errorf("%w: %w", ErrSettlementUnknown, err)
		}
		if obs != nil {
			switch obs.Status {
			case ObservationConfirmed:
				s.logger.Info("cancel overridden by settlement", "session_id", id, "reference", obs.Reference)
				return s.Confirm(ctx, id, *obs)
			case ObservationPending:
				return sess, ErrSettlementPending
			}
		}
	}

	if reason == "" {
		reason = "cancelled by user"
	}
	return s.mutate(ctx, id, nil, func(sess *Session) error {
		return sess.Cancel(FailureUserCancelled, reason, s.now())
	})
}

func (s *Service) probe(ctx context.Context, sess *Session) (*Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	return s.prober.Lookup(ctx, sess.Quote.Destination, sess.Quote.NativeAmount.Asset)
}

// Requote retires a session whose quote has not been acted on and opens a
// replacement with a fresh quote. A nil amount keeps the original amount.
func (s *Service) Requote(ctx context.Context, id, userID string, amount *money.Money) (*Session, error) {
	var replacement *Session

	err := database.RetryOn(ctx, s.cfg.MaxStaleRetries, isStale, func() error {
		old, err := s.GetForUser(ctx, id, userID)
		if err != nil {
			return err
		}
		if old.State != StateQuoteIssued {
			return fmt.Errorf("%w: session is %s", ErrNotRequotable, old.State)
		}
		if !old.Quote.ValidAt(s.now()) {
			return ErrQuoteExpired
		}

		req := old.Request
		if amount != nil {
			req.Amount = *amount
		}
		method, tier, bonusAmount, err := s.prepare(req)
		if err != nil {
			return err
		}
		snap, err := s.rates.Snapshot(ctx, method.Asset, method.FiatCurrency)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRateUnavailable, err)
		}

		now := s.now()
		next := NewSession(ulid.Make().String(), req, now)
		next.Supersedes = old.ID
		q, err := s.issuer().Issue(next.ID, method, req.Amount, snap, now)
		if err != nil {
			return err
		}
		if err := next.IssueQuote(method, q, tier, bonusAmount, now); err != nil {
			return err
		}

		before := old.State
		if err := old.Cancel(FailureSuperseded, "superseded by "+next.ID, now); err != nil {
			return err
		}
		old.SupersededBy = next.ID

		retired, err := lifecycleEvents(ctx, before, old)
		if err != nil {
			return err
		}
		issued, err := lifecycleEvents(ctx, StateCreated, next)
		if err != nil {
			return err
		}

		if err := s.store.Supersede(ctx, old, next, append(retired, issued...)); err != nil {
			if errors.Is(err, ErrStaleSession) {
				metrics.StaleRetries.Inc()
			}
			return err
		}
		metrics.SessionTransitions.WithLabelValues(string(StateCancelled)).Inc()
		metrics.SessionTransitions.WithLabelValues(string(StateQuoteIssued)).Inc()
		replacement = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("session requoted", "session_id", id, "replacement_id", replacement.ID)
	s.track(replacement.ID)
	return replacement, nil
}

// ExpireDue expires every active session whose quote has lapsed and
// returns how many changed.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	due, err := s.store.ListExpirable(ctx, s.now(), s.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("listing expirable sessions: %w", err)
	}

	expired := 0
	for _, candidate := range due {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		var changed bool
		_, err := s.mutate(ctx, candidate.ID, nil, func(sess *Session) error {
			changed = sess.Expire(s.now())
			return nil
		})
		if err != nil {
			s.logger.Error("failed to expire session", "session_id", candidate.ID, "error", err)
			continue
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

// mutate applies fn to the latest stored session and writes the result,
// re-reading and re-applying on version conflicts. fn's error is returned
// after any resulting state change is saved. obs, when set, is the
// settlement behind the change and is attached to operational alerts.
func (s *Service) mutate(ctx context.Context, id string, obs *Observation, fn func(*Session) error) (*Session, error) {
	var (
		result *Session
		fnErr  error
	)

	err := database.RetryOn(ctx, s.cfg.MaxStaleRetries, isStale, func() error {
		sess, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		before := sess.State

		fnErr = fn(sess)

		var alert *events.Event
		if obs != nil {
			if alert, err = settlementAlert(ctx, sess, *obs, fnErr); err != nil {
				return err
			}
		}

		if sess.State == before {
			result = sess
			if alert != nil {
				return s.store.Record(ctx, []*events.Event{alert})
			}
			return nil
		}

		var extra []*events.Event
		if alert != nil {
			extra = append(extra, alert)
		}
		err = s.save(ctx, before, sess, extra)
		if errors.Is(err, ErrDuplicateConfirmation) && obs != nil {
			// another session already holds this transfer reference
			fnErr = err
			unchanged, getErr := s.store.Get(ctx, id)
			if getErr != nil {
				return getErr
			}
			result = unchanged
			dup, alertErr := settlementAlert(ctx, unchanged, *obs, err)
			if alertErr != nil {
				return alertErr
			}
			return s.store.Record(ctx, []*events.Event{dup})
		}
		if err != nil {
			return err
		}
		result = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, fnErr
}

// save writes a state change with its lifecycle events plus extra.
func (s *Service) save(ctx context.Context, before State, sess *Session, extra []*events.Event) error {
	evts, err := lifecycleEvents(ctx, before, sess)
	if err != nil {
		return fmt.Errorf("building events: %w", err)
	}
	evts = append(evts, extra...)

	if err := s.store.Update(ctx, sess, evts); err != nil {
		if errors.Is(err, ErrStaleSession) {
			metrics.StaleRetries.Inc()
		}
		return err
	}

	metrics.SessionTransitions.WithLabelValues(string(sess.State)).Inc()
	if sess.State.IsTerminal() && sess.State != StateConfirmed {
		s.logger.Info("session closed",
			"session_id", sess.ID,
			"state", sess.State,
			"code", sess.FailureCode,
			"reason", sess.FailureReason,
		)
	}
	return nil
}

func (s *Service) track(id string) {
	if s.tracker != nil {
		s.tracker.Track(id)
	}
}

func isStale(err error) bool {
	return errors.Is(err, ErrStaleSession)
}
