package deposit

import (
	"context"
	"errors"

	"depositflow/internal/rates"
)

var (
	// validation
	ErrInvalidRequest   = errors.New("invalid deposit request")
	ErrInvalidAmount    = rates.ErrInvalidAmount
	ErrAmountOutOfRange = errors.New("amount outside method limits")
	ErrMethodNotFound   = errors.New("payment method not found")
	ErrMethodDisabled   = errors.New("payment method disabled")
	ErrBonusNotEligible = errors.New("bonus tier not eligible for amount")

	// temporal
	ErrQuoteExpired = errors.New("quote expired")

	// consistency
	ErrStaleRate             = rates.ErrStaleRate
	ErrAmountMismatch        = errors.New("settled amount outside tolerance")
	ErrDuplicateConfirmation = errors.New("session already confirmed by a different transfer")
	ErrStaleSession          = errors.New("session was modified concurrently")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrSessionClosed         = errors.New("session is closed")
	ErrAlreadyConfirmed      = errors.New("session already confirmed")
	ErrSettlementPending     = errors.New("settlement in progress")
	ErrNotRequotable         = errors.New("session cannot be requoted")

	// lookup
	ErrSessionNotFound = errors.New("session not found")

	// transient
	ErrRateUnavailable   = errors.New("exchange rate unavailable")
	ErrSettlementUnknown = errors.New("settlement status unavailable")

	// configuration
	ErrInvalidTolerance = errors.New("invalid settlement tolerance")
)

// Kind classifies errors for callers that need to react by category.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindTemporal
	KindConsistency
	KindTransient
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTemporal:
		return "temporal"
	case KindConsistency:
		return "consistency"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// KindOf returns the category of err
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrAmountOutOfRange),
		errors.Is(err, ErrMethodNotFound),
		errors.Is(err, ErrMethodDisabled),
		errors.Is(err, ErrBonusNotEligible):
		return KindValidation
	case errors.Is(err, ErrQuoteExpired):
		return KindTemporal
	case errors.Is(err, ErrStaleRate),
		errors.Is(err, ErrAmountMismatch),
		errors.Is(err, ErrDuplicateConfirmation),
		errors.Is(err, ErrStaleSession),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrSessionClosed),
		errors.Is(err, ErrAlreadyConfirmed),
		errors.Is(err, ErrSettlementPending),
		errors.Is(err, ErrNotRequotable):
		return KindConsistency
	case errors.Is(err, ErrSessionNotFound):
		return KindNotFound
	case errors.Is(err, ErrRateUnavailable),
		errors.Is(err, ErrSettlementUnknown),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindUnknown
	}
}
