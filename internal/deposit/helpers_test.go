package deposit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"depositflow/internal/bonus"
	"depositflow/internal/common/events"
	"depositflow/internal/common/money"
	"depositflow/internal/rates"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func usd(s string) money.Money { return money.MustParse(s, money.USD) }

func usdt(s string) money.Money { return money.MustParse(s, money.USDT) }

func testMethod() PaymentMethod {
	return PaymentMethod{
		ID:             "usdt-trc20",
		Name:           "Tether (TRC20)",
		Asset:          money.USDT,
		Network:        "tron",
		FiatCurrency:   money.USD,
		DepositAddress: "TXdepositaddress",
		MinAmount:      dec("10"),
		MaxAmount:      dec("10000"),
		Enabled:        true,
	}
}

func testTiers() []bonus.Tier {
	return []bonus.Tier{
		{ID: "bronze", Percentage: dec("25"), MinAmount: dec("87.92"), MaxBonus: dec("21.98")},
		{ID: "silver", Percentage: dec("50"), MinAmount: dec("131.88"), MaxBonus: dec("65.94")},
	}
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	disabled := testMethod()
	disabled.ID = "btc"
	disabled.Asset = money.BTC
	disabled.Enabled = false
	c, err := NewCatalog([]PaymentMethod{testMethod(), disabled}, testTiers())
	require.NoError(t, err)
	return c
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRates struct {
	mu   sync.Mutex
	rate decimal.Decimal
	at   func() time.Time
	err  error
}

func (f *fakeRates) Snapshot(_ context.Context, asset, fiat money.Asset) (rates.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return rates.Snapshot{}, f.err
	}
	return rates.Snapshot{Asset: asset, Fiat: fiat, Rate: f.rate, ObservedAt: f.at()}, nil
}

func (f *fakeRates) MaxAge() time.Duration { return rates.DefaultMaxAge }

type fakeProber struct {
	mu  sync.Mutex
	obs *Observation
	err error
}

func (f *fakeProber) Lookup(context.Context, Destination, money.Asset) (*Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.obs, f.err
}

type recordingTracker struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingTracker) Track(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

type fixture struct {
	svc     *Service
	store   *MemoryStore
	clock   *clock
	rates   *fakeRates
	prober  *fakeProber
	tracker *recordingTracker
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := &clock{now: t0}
	fr := &fakeRates{rate: dec("1.1772"), at: clk.Now}
	store := NewMemoryStore()
	prober := &fakeProber{}
	tracker := &recordingTracker{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc, err := NewService(store, testCatalog(t), fr, cfg, logger)
	require.NoError(t, err)
	svc.WithClock(clk.Now).
		WithProber(prober).
		WithTracker(tracker)

	return &fixture{svc: svc, store: store, clock: clk, rates: fr, prober: prober, tracker: tracker}
}

func request(amount string) DepositRequest {
	return DepositRequest{UserID: "user-1", MethodID: "usdt-trc20", Amount: usd(amount)}
}

func countEvents(store *MemoryStore, eventType string) int {
	n := 0
	for _, e := range store.Events() {
		if e == eventType {
			n++
		}
	}
	return n
}

// alerts decodes the payloads of every outbox entry of eventType, oldest first.
func alerts(t *testing.T, store *MemoryStore, eventType string) []SettlementAlertData {
	t.Helper()
	entries, err := store.PendingOutbox(context.Background(), 0)
	require.NoError(t, err)

	var out []SettlementAlertData
	for _, entry := range entries {
		if entry.EventType != eventType {
			continue
		}
		var e events.Event
		require.NoError(t, json.Unmarshal(entry.Payload, &e))
		var d SettlementAlertData
		require.NoError(t, e.DecodeData(&d))
		out = append(out, d)
	}
	return out
}
