package deposit

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"depositflow/internal/common/money"
	"depositflow/internal/rates"
)

// DefaultQuoteTTL is how long a quote stays valid after issuance.
const DefaultQuoteTTL = 24 * time.Hour

// QuoteIssuer turns a method, fiat amount and rate snapshot into a Quote.
type QuoteIssuer struct {
	TTL    time.Duration
	MaxAge time.Duration
}

// Issue builds a quote for sessionID. It performs no I/O.
func (qi QuoteIssuer) Issue(sessionID string, method PaymentMethod, fiat money.Money, snap rates.Snapshot, now time.Time) (Quote, error) {
	if fiat.Asset != method.FiatCurrency {
		return Quote{}, fmt.Errorf("%w: method %s quotes in %s, got %s", ErrInvalidRequest, method.ID, method.FiatCurrency, fiat.Asset)
	}
	asset, ok := money.Lookup(method.Asset)
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", rates.ErrUnknownAsset, method.Asset)
	}

	conv, err := rates.Convert(fiat, asset, snap, now, qi.MaxAge)
	if err != nil {
		return Quote{}, err
	}

	ttl := qi.TTL
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	now = now.UTC()

	return Quote{
		ID:             ulid.Make().String(),
		Version:        1,
		FiatAmount:     conv.Fiat,
		NativeAmount:   conv.Native,
		Rate:           conv.Rate,
		RateObservedAt: conv.ObservedAt,
		Destination: Destination{
			Address: method.DepositAddress,
			Memo:    sessionID,
			Network: method.Network,
		},
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}, nil
}
