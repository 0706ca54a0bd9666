package deposit

import (
	"context"
	"errors"
	"time"

	"depositflow/internal/common/events"
	"depositflow/internal/common/middleware"
	"depositflow/internal/common/money"
)

// AggregateType names deposit sessions in event envelopes
const AggregateType = "deposit_session"

// QuoteIssuedData is the payload of deposit.quote.issued
type QuoteIssuedData struct {
	SessionID    string      `json:"session_id"`
	UserID       string      `json:"user_id"`
	QuoteID      string      `json:"quote_id"`
	FiatAmount   money.Money `json:"fiat_amount"`
	NativeAmount money.Money `json:"native_amount"`
	BonusTierID  string      `json:"bonus_tier_id,omitempty"`
	BonusAmount  money.Money `json:"bonus_amount"`
	ExpiresAt    time.Time   `json:"expires_at"`
	Supersedes   string      `json:"supersedes,omitempty"`
}

// ConfirmedData is the payload of deposit.confirmed, consumed by the ledger.
// IdempotencyKey is stable per settling transfer.
type ConfirmedData struct {
	SessionID      string      `json:"session_id"`
	UserID         string      `json:"user_id"`
	Credited       money.Money `json:"credited"`
	Bonus          money.Money `json:"bonus"`
	IdempotencyKey string      `json:"idempotency_key"`
	ConfirmedAt    time.Time   `json:"confirmed_at"`
}

// StateChangedData is the payload of the remaining lifecycle events
type StateChangedData struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Code      string    `json:"code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// SettlementAlertData is the payload of deposit.alert.* events
type SettlementAlertData struct {
	SessionID  string       `json:"session_id"`
	UserID     string       `json:"user_id"`
	State      State        `json:"state"`
	Reference  string       `json:"reference"`
	Expected   *money.Money `json:"expected,omitempty"`
	Observed   money.Money  `json:"observed"`
	ObservedAt *time.Time   `json:"observed_at,omitempty"`
	Reason     string       `json:"reason"`
}

func newEvent(ctx context.Context, eventType, sessionID string, data interface{}) (*events.Event, error) {
	e, err := events.NewEvent(eventType, AggregateType, sessionID, data)
	if err != nil {
		return nil, err
	}
	return e.WithCorrelation(middleware.GetCorrelationID(ctx), ""), nil
}

// lifecycleEvents returns the events describing a move from before to the
// session's current state.
func lifecycleEvents(ctx context.Context, before State, s *Session) ([]*events.Event, error) {
	if before == s.State {
		return nil, nil
	}

	var (
		eventType string
		data      interface{}
	)
	switch s.State {
	case StateQuoteIssued:
		eventType = events.EventDepositQuoteIssued
		d := QuoteIssuedData{
			SessionID:    s.ID,
			UserID:       s.UserID,
			QuoteID:      s.Quote.ID,
			FiatAmount:   s.Quote.FiatAmount,
			NativeAmount: s.Quote.NativeAmount,
			BonusAmount:  s.BonusAmount,
			ExpiresAt:    s.Quote.ExpiresAt,
			Supersedes:   s.Supersedes,
		}
		if s.BonusTier != nil {
			d.BonusTierID = s.BonusTier.ID
		}
		data = d
	case StateConfirmed:
		eventType = events.EventDepositConfirmed
		data = ConfirmedData{
			SessionID:      s.ID,
			UserID:         s.UserID,
			Credited:       s.Quote.FiatAmount,
			Bonus:          s.BonusAmount,
			IdempotencyKey: s.IdempotencyKey,
			ConfirmedAt:    *s.ResolvedAt,
		}
	default:
		eventType = stateEventType(s.State)
		data = StateChangedData{
			SessionID: s.ID,
			UserID:    s.UserID,
			From:      before,
			To:        s.State,
			Code:      s.FailureCode,
			Reason:    s.FailureReason,
			At:        s.UpdatedAt,
		}
	}

	e, err := newEvent(ctx, eventType, s.ID, data)
	if err != nil {
		return nil, err
	}
	return []*events.Event{e}, nil
}

func stateEventType(s State) string {
	switch s {
	case StateAwaitingConfirmation:
		return events.EventDepositSubmitted
	case StateExpired:
		return events.EventDepositExpired
	case StateCancelled:
		return events.EventDepositCancelled
	default:
		return events.EventDepositFailed
	}
}

// settlementAlert builds the operational alert for a confirmation that
// could not be applied, or nil when err needs no alert.
func settlementAlert(ctx context.Context, s *Session, obs Observation, err error) (*events.Event, error) {
	var eventType, reason string
	switch {
	case errors.Is(err, ErrAmountMismatch):
		eventType, reason = events.EventDepositAmountMismatch, s.FailureReason
	case errors.Is(err, ErrQuoteExpired):
		eventType, reason = events.EventDepositLateSettlement, lateReason(s, obs)
	case errors.Is(err, ErrSessionClosed):
		eventType, reason = events.EventDepositUnmatchedSettlement, "settlement observed for closed session"
	case errors.Is(err, ErrDuplicateConfirmation):
		eventType, reason = events.EventDepositUnmatchedSettlement, "second transfer for confirmed session"
	default:
		return nil, nil
	}

	d := SettlementAlertData{
		SessionID: s.ID,
		UserID:    s.UserID,
		State:     s.State,
		Reference: obs.Reference,
		Observed:  obs.Amount,
		Reason:    reason,
	}
	if !obs.ObservedAt.IsZero() {
		at := obs.ObservedAt.UTC()
		d.ObservedAt = &at
	}
	if s.Quote != nil {
		expected := s.Quote.NativeAmount
		d.Expected = &expected
	}
	return newEvent(ctx, eventType, s.ID, d)
}

func lateReason(s *Session, obs Observation) string {
	if s.Quote != nil && !obs.ObservedAt.IsZero() && obs.ObservedAt.Before(s.Quote.ExpiresAt) {
		return "settlement observed before quote expiry but delivered after it"
	}
	return "settlement observed after quote expiry"
}
