// Package bonus selects deposit bonus tiers from a threshold catalog.
package bonus

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"depositflow/internal/common/money"
)

var (
	ErrDuplicateThreshold = errors.New("duplicate bonus threshold")
	ErrInvalidTier        = errors.New("invalid bonus tier")
)

// Tier is one entry of the bonus catalog. A deposit qualifies when its
// fiat amount is at least MinAmount.
type Tier struct {
	ID         string          `json:"id" yaml:"id" validate:"required"`
	Name       string          `json:"name,omitempty" yaml:"name"`
	Percentage decimal.Decimal `json:"percentage" yaml:"percentage"`
	MinAmount  decimal.Decimal `json:"min_amount" yaml:"min_amount"`
	// MaxBonus caps the awarded amount. Zero means uncapped.
	MaxBonus decimal.Decimal `json:"max_bonus" yaml:"max_bonus"`
}

// ValidateCatalog fails on duplicate thresholds or malformed tiers.
func ValidateCatalog(tiers []Tier) error {
	seenIDs := make(map[string]bool, len(tiers))
	seenMins := make(map[string]string, len(tiers))
	for _, t := range tiers {
		if t.ID == "" {
			return fmt.Errorf("%w: missing id", ErrInvalidTier)
		}
		if seenIDs[t.ID] {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidTier, t.ID)
		}
		seenIDs[t.ID] = true
		if !t.Percentage.IsPositive() {
			return fmt.Errorf("%w: %s percentage must be positive", ErrInvalidTier, t.ID)
		}
		if t.MinAmount.IsNegative() {
			return fmt.Errorf("%w: %s min_amount must not be negative", ErrInvalidTier, t.ID)
		}
		if t.MaxBonus.IsNegative() {
			return fmt.Errorf("%w: %s max_bonus must not be negative", ErrInvalidTier, t.ID)
		}
		key := t.MinAmount.String()
		if other, ok := seenMins[key]; ok {
			return fmt.Errorf("%w: %s and %s both start at %s", ErrDuplicateThreshold, other, t.ID, key)
		}
		seenMins[key] = t.ID
	}
	return nil
}

// Sorted returns a copy of tiers ordered by MinAmount ascending
func Sorted(tiers []Tier) []Tier {
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MinAmount.LessThan(out[j].MinAmount)
	})
	return out
}

// SelectTier returns the tier with the highest MinAmount not above amount,
// or nil when amount is below every threshold. Ties on MinAmount go to the
// higher Percentage.
func SelectTier(amount decimal.Decimal, tiers []Tier) *Tier {
	var best *Tier
	for i := range tiers {
		t := tiers[i]
		if t.MinAmount.GreaterThan(amount) {
			continue
		}
		if best == nil ||
			t.MinAmount.GreaterThan(best.MinAmount) ||
			(t.MinAmount.Equal(best.MinAmount) && t.Percentage.GreaterThan(best.Percentage)) {
			best = &t
		}
	}
	return best
}

// NextTier returns the lowest tier strictly above amount, used to tell the
// user how much more unlocks a better bonus.
func NextTier(amount decimal.Decimal, tiers []Tier) *Tier {
	var next *Tier
	for i := range tiers {
		t := tiers[i]
		if !t.MinAmount.GreaterThan(amount) {
			continue
		}
		if next == nil || t.MinAmount.LessThan(next.MinAmount) {
			next = &t
		}
	}
	return next
}

// Amount computes min(qualifying × pct/100, MaxBonus) rounded to the asset precision.
func Amount(t Tier, qualifying money.Money) money.Money {
	award := qualifying.Percentage(t.Percentage)
	if t.MaxBonus.IsPositive() && award.Amount.GreaterThan(t.MaxBonus) {
		award.Amount = t.MaxBonus
	}
	return award.Round()
}

// Eligible reports whether the tier with id applies to amount. Only the
// tier SelectTier would pick is eligible.
func Eligible(id string, amount decimal.Decimal, tiers []Tier) (*Tier, bool) {
	t := SelectTier(amount, tiers)
	if t == nil || t.ID != id {
		return nil, false
	}
	return t, true
}
