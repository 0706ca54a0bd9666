package deposit

import (
	"errors"
	"fmt"
	"time"

	"depositflow/internal/bonus"
	"depositflow/internal/common/money"
)

// Failure codes recorded on sessions that end in StateFailed or StateCancelled.
const (
	FailureRateUnavailable = "RATE_UNAVAILABLE"
	FailureStaleRate       = "STALE_RATE"
	FailureAmountMismatch  = "AMOUNT_MISMATCH"
	FailureSuperseded      = "SUPERSEDED"
	FailureUserCancelled   = "USER_CANCELLED"
)

// NewSession creates a session in StateCreated. The store assigns the version.
func NewSession(id string, req DepositRequest, now time.Time) *Session {
	now = now.UTC()
	return &Session{
		ID:          id,
		UserID:      req.UserID,
		Request:     req,
		BonusAmount: money.Zero(req.Amount.Asset),
		State:       StateCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *Session) transition(to State, now time.Time) error {
	if err := ValidateTransition(s.State, to); err != nil {
		return err
	}
	now = now.UTC()
	s.State = to
	s.UpdatedAt = now
	if to.IsTerminal() {
		s.ResolvedAt = &now
	}
	return nil
}

// IssueQuote binds a quote and the bonus computed from the qualifying amount.
func (s *Session) IssueQuote(method PaymentMethod, q Quote, tier *bonus.Tier, bonusAmount money.Money, now time.Time) error {
	if !method.InRange(s.Request.Amount.Amount) {
		return ErrAmountOutOfRange
	}
	if err := s.transition(StateQuoteIssued, now); err != nil {
		return err
	}
	s.Quote = &q
	s.BonusTier = tier
	s.BonusAmount = bonusAmount
	return nil
}

// MarkSubmitted records that the user has sent funds. A session already
// awaiting confirmation is left as is. Past expiry the session expires.
func (s *Session) MarkSubmitted(now time.Time) error {
	switch s.State {
	case StateAwaitingConfirmation:
		return nil
	case StateQuoteIssued:
		if !s.Quote.ValidAt(now) {
			_ = s.transition(StateExpired, now)
			return ErrQuoteExpired
		}
		if err := s.transition(StateAwaitingConfirmation, now); err != nil {
			return err
		}
		t := now.UTC()
		s.SubmittedAt = &t
		return nil
	case StateExpired:
		return ErrQuoteExpired
	case StateConfirmed:
		return ErrAlreadyConfirmed
	default:
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.State)
	}
}

// Expire moves an active session past its expiry to StateExpired and
// reports whether it changed.
func (s *Session) Expire(now time.Time) bool {
	if !s.State.IsActive() || s.Quote.ValidAt(now) {
		return false
	}
	return s.transition(StateExpired, now) == nil
}

// Confirm applies a confirmed settlement observation.
//
// A repeat of the confirmation that settled the session is a no-op. The
// observation instant decides expiry; a settlement seen at or after
// ExpiresAt expires the session instead. An amount outside tol fails it.
func (s *Session) Confirm(obs Observation, tol Tolerance, now time.Time) error {
	if obs.Reference == "" {
		return fmt.Errorf("%w: missing settlement reference", ErrInvalidRequest)
	}

	switch s.State {
	case StateConfirmed:
		if s.IdempotencyKey == obs.Reference {
			return nil
		}
		return ErrDuplicateConfirmation
	case StateExpired:
		return ErrQuoteExpired
	case StateCancelled, StateFailed, StateCreated:
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.State)
	}

	// ObservedAt comes from the rail or a webhook and is not trusted for expiry.
	if !s.Quote.ValidAt(now) {
		_ = s.transition(StateExpired, now)
		return ErrQuoteExpired
	}

	observed := obs.Amount
	s.ObservedAmount = &observed

	if !tol.Accepts(s.Quote.NativeAmount, obs.Amount) {
		_ = s.transition(StateFailed, now)
		s.FailureCode = FailureAmountMismatch
		s.FailureReason = fmt.Sprintf("expected %s, observed %s", s.Quote.NativeAmount, obs.Amount)
		return ErrAmountMismatch
	}

	if s.State == StateQuoteIssued {
		t := now.UTC()
		s.SubmittedAt = &t
	}
	if err := s.transition(StateConfirmed, now); err != nil {
		return err
	}
	s.IdempotencyKey = obs.Reference
	return nil
}

// Cancel closes a non-terminal session. Cancelling a cancelled session is a
// no-op; a confirmed one returns ErrAlreadyConfirmed.
func (s *Session) Cancel(code, reason string, now time.Time) error {
	switch s.State {
	case StateCancelled:
		return nil
	case StateConfirmed:
		return ErrAlreadyConfirmed
	case StateExpired, StateFailed:
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.State)
	}
	if err := s.transition(StateCancelled, now); err != nil {
		return err
	}
	s.FailureCode = code
	s.FailureReason = reason
	return nil
}

// Fail moves a non-terminal session to StateFailed.
func (s *Session) Fail(code, reason string, now time.Time) error {
	if s.State.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.State)
	}
	if err := s.transition(StateFailed, now); err != nil {
		return err
	}
	s.FailureCode = code
	s.FailureReason = reason
	return nil
}

// failureCodeFor maps a quoting error to the failure code stored on the session.
func failureCodeFor(err error) string {
	if errors.Is(err, ErrStaleRate) {
		return FailureStaleRate
	}
	return FailureRateUnavailable
}
