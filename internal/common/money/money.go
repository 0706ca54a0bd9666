package money

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Asset is a currency or settlement-asset symbol (e.g. USD, BTC, USDT)
type Asset string

const (
	USD  Asset = "USD"
	EUR  Asset = "EUR"
	GBP  Asset = "GBP"
	BTC  Asset = "BTC"
	ETH  Asset = "ETH"
	USDT Asset = "USDT"
	LTC  Asset = "LTC"
)

// AssetInfo contains metadata about an asset
type AssetInfo struct {
	Code      Asset `json:"code" yaml:"code" validate:"required"`
	Precision int32 `json:"precision" yaml:"precision" validate:"gte=0,lte=18"`
	Fiat      bool  `json:"fiat" yaml:"fiat"`
	// Name of the asset on the rate source (e.g. "bitcoin")
	SourceID string `json:"source_id,omitempty" yaml:"source_id"`
}

var (
	ErrUnknownAsset  = errors.New("unknown asset")
	ErrAssetMismatch = errors.New("asset mismatch")
)

var (
	assetsMu sync.RWMutex
	assets   = map[Asset]AssetInfo{
		USD:  {Code: USD, Precision: 2, Fiat: true},
		EUR:  {Code: EUR, Precision: 2, Fiat: true, SourceID: "euro"},
		GBP:  {Code: GBP, Precision: 2, Fiat: true, SourceID: "british-pound-sterling"},
		BTC:  {Code: BTC, Precision: 8, SourceID: "bitcoin"},
		ETH:  {Code: ETH, Precision: 8, SourceID: "ethereum"},
		USDT: {Code: USDT, Precision: 2, SourceID: "tether"},
		LTC:  {Code: LTC, Precision: 8, SourceID: "litecoin"},
	}
)

// Register adds or replaces an asset definition
func Register(info AssetInfo) {
	assetsMu.Lock()
	defer assetsMu.Unlock()
	assets[info.Code] = info
}

// Lookup returns info about an asset
func Lookup(a Asset) (AssetInfo, bool) {
	assetsMu.RLock()
	defer assetsMu.RUnlock()
	info, ok := assets[a]
	return info, ok
}

// Assets lists registered assets sorted by code
func Assets() []AssetInfo {
	assetsMu.RLock()
	defer assetsMu.RUnlock()
	out := make([]AssetInfo, 0, len(assets))
	for _, info := range assets {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Money is an exact decimal amount of an asset
type Money struct {
	Amount decimal.Decimal `json:"amount"`
	Asset  Asset           `json:"asset"`
}

// New creates a Money value
func New(amount decimal.Decimal, asset Asset) Money {
	return Money{Amount: amount, Asset: asset}
}

// Parse creates Money from a decimal string
func Parse(amount string, asset Asset) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("parsing amount %q: %w", amount, err)
	}
	return Money{Amount: d, Asset: asset}, nil
}

// MustParse is Parse that panics on error. For tests and static config.
func MustParse(amount string, asset Asset) Money {
	m, err := Parse(amount, asset)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero amount for an asset
func Zero(asset Asset) Money {
	return Money{Amount: decimal.Zero, Asset: asset}
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.Amount.IsPositive()
}

// Add adds two money values (must be same asset)
func (m Money) Add(other Money) (Money, error) {
	if m.Asset != other.Asset {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrAssetMismatch, m.Asset, other.Asset)
	}
	return Money{Amount: m.Amount.Add(other.Amount), Asset: m.Asset}, nil
}

// Sub subtracts two money values (must be same asset)
func (m Money) Sub(other Money) (Money, error) {
	if m.Asset != other.Asset {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrAssetMismatch, m.Asset, other.Asset)
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Asset: m.Asset}, nil
}

// Compare returns -1, 0 or 1. Assets must match.
func (m Money) Compare(other Money) (int, error) {
	if m.Asset != other.Asset {
		return 0, fmt.Errorf("%w: %s vs %s", ErrAssetMismatch, m.Asset, other.Asset)
	}
	return m.Amount.Cmp(other.Amount), nil
}

// Percentage returns pct percent of the amount, unrounded
func (m Money) Percentage(pct decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(pct).Div(decimal.NewFromInt(100)), Asset: m.Asset}
}

// Round rounds half-up to the asset precision. Unknown assets are left untouched.
func (m Money) Round() Money {
	info, ok := Lookup(m.Asset)
	if !ok {
		return m
	}
	return Money{Amount: RoundTo(m.Amount, info.Precision), Asset: m.Asset}
}

// RoundTo rounds half-up (away from zero on ties) to places decimals
func RoundTo(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}

// Min returns the smaller amount. Assets must match.
func Min(a, b Money) Money {
	if b.Amount.LessThan(a.Amount) {
		return b
	}
	return a
}

// String returns amount and asset, e.g. "117.72 USDT"
func (m Money) String() string {
	info, ok := Lookup(m.Asset)
	if !ok {
		return fmt.Sprintf("%s %s", m.Amount.String(), m.Asset)
	}
	return fmt.Sprintf("%s %s", m.Amount.StringFixed(info.Precision), m.Asset)
}
