// Package deposit manages the deposit payment session lifecycle: quoting a
// fiat amount into a settlement asset, tracking the quote until the
// settlement rail confirms it, and resolving each session into exactly one
// terminal state.
package deposit

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"depositflow/internal/bonus"
	"depositflow/internal/common/money"
)

// PaymentMethod is an immutable catalog entry describing one settlement rail.
type PaymentMethod struct {
	ID             string          `json:"id" yaml:"id" validate:"required"`
	Name           string          `json:"name" yaml:"name" validate:"required"`
	Asset          money.Asset     `json:"asset" yaml:"asset" validate:"required"`
	Network        string          `json:"network,omitempty" yaml:"network"`
	FiatCurrency   money.Asset     `json:"fiat_currency" yaml:"fiat_currency" validate:"required"`
	DepositAddress string          `json:"-" yaml:"deposit_address" validate:"required"`
	MinAmount      decimal.Decimal `json:"min_amount" yaml:"min_amount"`
	// MaxAmount zero means no upper bound
	MaxAmount decimal.Decimal `json:"max_amount" yaml:"max_amount"`
	Enabled   bool            `json:"enabled" yaml:"enabled"`
}

// InRange reports whether amount lies within [MinAmount, MaxAmount].
func (m PaymentMethod) InRange(amount decimal.Decimal) bool {
	if amount.LessThan(m.MinAmount) {
		return false
	}
	if m.MaxAmount.IsPositive() && amount.GreaterThan(m.MaxAmount) {
		return false
	}
	return true
}

// DepositRequest is the validated intent that opens a session. It is
// stored on the session as a snapshot and never mutated.
type DepositRequest struct {
	UserID      string      `json:"user_id" validate:"required,max=128"`
	MethodID    string      `json:"method_id" validate:"required,max=64"`
	Amount      money.Money `json:"amount"`
	BonusTierID string      `json:"bonus_tier_id,omitempty" validate:"max=64"`
	// DeclineBonus opts out of any bonus, including auto-selected tiers
	DeclineBonus bool `json:"decline_bonus,omitempty"`
}

// Destination is where the user sends funds on the settlement rail.
type Destination struct {
	Address string `json:"address"`
	Memo    string `json:"memo"`
	Network string `json:"network,omitempty"`
}

// Quote is an immutable, time-bound conversion of the fiat amount into the
// settlement asset.
type Quote struct {
	ID             string          `json:"id"`
	Version        int             `json:"version"`
	FiatAmount     money.Money     `json:"fiat_amount"`
	NativeAmount   money.Money     `json:"native_amount"`
	Rate           decimal.Decimal `json:"rate"`
	RateObservedAt time.Time       `json:"rate_observed_at"`
	Destination    Destination     `json:"destination"`
	IssuedAt       time.Time       `json:"issued_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// ValidAt reports whether now is strictly before the expiry instant.
func (q *Quote) ValidAt(now time.Time) bool {
	return now.Before(q.ExpiresAt)
}

// Session is one deposit payment session.
type Session struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Request        DepositRequest `json:"request"`
	Quote          *Quote         `json:"quote,omitempty"`
	BonusTier      *bonus.Tier    `json:"bonus_tier,omitempty"`
	BonusAmount    money.Money    `json:"bonus_amount"`
	State          State          `json:"state"`
	Version        int64          `json:"version"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	ObservedAmount *money.Money   `json:"observed_amount,omitempty"`
	FailureCode    string         `json:"failure_code,omitempty"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	Supersedes     string         `json:"supersedes,omitempty"`
	SupersededBy   string         `json:"superseded_by,omitempty"`
	SubmittedAt    *time.Time     `json:"submitted_at,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ExpiresAt returns the quote expiry, or the zero time before issuance
func (s *Session) ExpiresAt() time.Time {
	if s.Quote == nil {
		return time.Time{}
	}
	return s.Quote.ExpiresAt
}

// Memo returns the destination memo, or "" before issuance
func (s *Session) Memo() string {
	if s.Quote == nil {
		return ""
	}
	return s.Quote.Destination.Memo
}

// Clone returns a deep copy
func (s *Session) Clone() *Session {
	c := *s
	if s.Quote != nil {
		q := *s.Quote
		c.Quote = &q
	}
	if s.BonusTier != nil {
		t := *s.BonusTier
		c.BonusTier = &t
	}
	if s.ObservedAmount != nil {
		a := *s.ObservedAmount
		c.ObservedAmount = &a
	}
	if s.SubmittedAt != nil {
		t := *s.SubmittedAt
		c.SubmittedAt = &t
	}
	if s.ResolvedAt != nil {
		t := *s.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// ObservationStatus is what the settlement rail reports for a destination.
type ObservationStatus string

const (
	ObservationPending   ObservationStatus = "pending"
	ObservationConfirmed ObservationStatus = "confirmed"
)

// Observation is a transfer seen on the settlement rail.
type Observation struct {
	Status     ObservationStatus `json:"status"`
	Reference  string            `json:"reference"`
	Amount     money.Money       `json:"amount"`
	ObservedAt time.Time         `json:"observed_at"`
}

// Tolerance bounds the accepted settled amount as ratios of the quoted
// native amount. Upper zero means no ceiling.
type Tolerance struct {
	Lower decimal.Decimal `json:"lower"`
	Upper decimal.Decimal `json:"upper"`
}

// DefaultTolerance accepts exact or over-payment.
var DefaultTolerance = Tolerance{Lower: decimal.NewFromInt(1)}

// Validate rejects a band that could never accept a transfer.
func (t Tolerance) Validate() error {
	if t.Lower.IsNegative() {
		return fmt.Errorf("%w: lower bound %s is negative", ErrInvalidTolerance, t.Lower)
	}
	if t.Upper.IsNegative() {
		return fmt.Errorf("%w: upper bound %s is negative", ErrInvalidTolerance, t.Upper)
	}
	if t.Upper.IsPositive() && t.Upper.LessThan(t.Lower) {
		return fmt.Errorf("%w: upper bound %s is below lower bound %s", ErrInvalidTolerance, t.Upper, t.Lower)
	}
	return nil
}

// Accepts reports whether observed falls inside the band around quoted.
func (t Tolerance) Accepts(quoted, observed money.Money) bool {
	if quoted.Asset != observed.Asset {
		return false
	}
	if observed.Amount.LessThan(quoted.Amount.Mul(t.Lower)) {
		return false
	}
	if t.Upper.IsPositive() && observed.Amount.GreaterThan(quoted.Amount.Mul(t.Upper)) {
		return false
	}
	return true
}
