// Package rates converts fiat amounts into settlement-asset amounts using
// time-stamped exchange-rate snapshots.
package rates

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"depositflow/internal/common/money"
)

var (
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrStaleRate     = errors.New("exchange rate is stale")
	ErrUnknownAsset  = errors.New("unknown asset")
	ErrRateMissing   = errors.New("exchange rate unavailable")
)

// DefaultMaxAge is how old a snapshot may be before it is refused.
const DefaultMaxAge = 60 * time.Second

// MaxClockSkew is how far in the future a snapshot may be stamped before
// it is refused.
const MaxClockSkew = 5 * time.Second

// Snapshot is an observed rate: Rate units of Asset per one unit of Fiat.
type Snapshot struct {
	Asset      money.Asset     `json:"asset"`
	Fiat       money.Asset     `json:"fiat"`
	Rate       decimal.Decimal `json:"rate"`
	ObservedAt time.Time       `json:"observed_at"`
	Source     string          `json:"source,omitempty"`
}

// Age returns how old the snapshot is at now
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.ObservedAt)
}

// CheckFresh returns ErrStaleRate unless the snapshot was observed no more
// than maxAge before now and no more than MaxClockSkew after it.
func (s Snapshot) CheckFresh(now time.Time, maxAge time.Duration) error {
	age := s.Age(now)
	switch {
	case age > maxAge:
		return fmt.Errorf("%w: observed %s ago", ErrStaleRate, age.Truncate(time.Second))
	case age < -MaxClockSkew:
		return fmt.Errorf("%w: observed %s in the future", ErrStaleRate, (-age).Truncate(time.Second))
	}
	return nil
}

// Conversion is the result of Convert
type Conversion struct {
	Fiat       money.Money     `json:"fiat"`
	Native     money.Money     `json:"native"`
	Rate       decimal.Decimal `json:"rate"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Convert computes native = fiat × rate rounded half-up to the asset
// precision. It has no side effects.
func Convert(fiat money.Money, asset money.AssetInfo, snap Snapshot, now time.Time, maxAge time.Duration) (Conversion, error) {
	if !fiat.IsPositive() {
		return Conversion{}, ErrInvalidAmount
	}
	if asset.Code == "" {
		return Conversion{}, ErrUnknownAsset
	}
	if snap.Asset != "" && snap.Asset != asset.Code {
		return Conversion{}, fmt.Errorf("%w: snapshot for %s, want %s", ErrUnknownAsset, snap.Asset, asset.Code)
	}
	if !snap.Rate.IsPositive() {
		return Conversion{}, ErrRateMissing
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if err := snap.CheckFresh(now, maxAge); err != nil {
		return Conversion{}, err
	}

	native := money.RoundTo(fiat.Amount.Mul(snap.Rate), asset.Precision)

	return Conversion{
		Fiat:       fiat,
		Native:     money.New(native, asset.Code),
		Rate:       snap.Rate,
		ObservedAt: snap.ObservedAt,
	}, nil
}
