package deposit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depositflow/internal/bonus"
	"depositflow/internal/common/events"
	"depositflow/internal/common/money"
)

func TestCreateSession_IssuesQuoteWithBonus(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	sess, err := f.svc.CreateSession(ctx, request("100"))
	require.NoError(t, err)

	assert.Equal(t, StateQuoteIssued, sess.State)
	assert.Equal(t, int64(2), sess.Version)
	require.NotNil(t, sess.Quote)
	assert.Equal(t, "117.72 USDT", sess.Quote.NativeAmount.String())
	assert.Equal(t, money.USDT, sess.Quote.NativeAmount.Asset)
	assert.True(t, sess.Quote.Rate.Equal(dec("1.1772")))
	assert.Equal(t, t0.Add(24*time.Hour), sess.Quote.ExpiresAt)
	assert.Equal(t, sess.ID, sess.Quote.Destination.Memo)
	assert.Equal(t, "TXdepositaddress", sess.Quote.Destination.Address)

	require.NotNil(t, sess.BonusTier)
	assert.Equal(t, "bronze", sess.BonusTier.ID)
	assert.Equal(t, "21.98 USD", sess.BonusAmount.String())

	next := bonus.NextTier(sess.Request.Amount.Amount, f.svc.Catalog().Tiers())
	require.NotNil(t, next)
	assert.Equal(t, "silver", next.ID)
	assert.True(t, next.MinAmount.Equal(dec("131.88")))

	assert.Equal(t, []string{events.EventDepositQuoteIssued}, f.store.Events())
	assert.Equal(t, []string{sess.ID}, f.tracker.ids)
}

func TestCreateSession_BonusSelection(t *testing.T) {
	tests := []struct {
		name      string
		req       DepositRequest
		wantTier  string
		wantBonus string
	}{
		{"below every tier", request("50"), "", "0.00 USD"},
		{"auto silver", request("200"), "silver", "65.94 USD"},
		{"explicit bronze", DepositRequest{UserID: "u", MethodID: "usdt-trc20", Amount: usd("100"), BonusTierID: "bronze"}, "bronze", "21.98 USD"},
		{"declined", DepositRequest{UserID: "u", MethodID: "usdt-trc20", Amount: usd("200"), DeclineBonus: true}, "", "0.00 USD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			sess, err := f.svc.CreateSession(context.Background(), tt.req)
			require.NoError(t, err)
			if tt.wantTier == "" {
				assert.Nil(t, sess.BonusTier)
			} else {
				require.NotNil(t, sess.BonusTier)
				assert.Equal(t, tt.wantTier, sess.BonusTier.ID)
			}
			assert.Equal(t, tt.wantBonus, sess.BonusAmount.String())
		})
	}
}

func TestCreateSession_ValidationCreatesNoState(t *testing.T) {
	tests := []struct {
		name    string
		req     DepositRequest
		wantErr error
	}{
		{"unknown method", DepositRequest{UserID: "u", MethodID: "nope", Amount: usd("100")}, ErrMethodNotFound},
		{"disabled method", DepositRequest{UserID: "u", MethodID: "btc", Amount: usd("100")}, ErrMethodDisabled},
		{"below minimum", DepositRequest{UserID: "u", MethodID: "usdt-trc20", Amount: usd("9.99")}, ErrAmountOutOfRange},
		{"above maximum", DepositRequest{UserID: "u", MethodID: "usdt-trc20", Amount: usd("10000.01")}, ErrAmountOutOfRange},
		{"zero amount", DepositRequest{UserID: "u", MethodID: "usdt-trc20", Amount: usd("0")}, ErrInvalidAmount},
		{"negative amount", DepositRequest{UserID: "u", MethodID: "usdt-trc20", Amount: usd("-5")}, ErrInvalidAmount},
		{"missing user", DepositRequest{MethodID: "usdt-trc20", Amount: usd("100")}, ErrInvalidRequest},
		{"wrong fiat", DepositRequest{UserID: "u", MethodID: "usdt-trc20", Amount: money.MustParse("100", money.EUR)}, ErrInvalidRequest},
		{"ineligible tier", DepositRequest{UserID: "u", MethodID: "usdt-trc20", Amount: usd("100"), BonusTierID: "silver"}, ErrBonusNotEligible},
		{"decline with tier", DepositRequest{UserID: "u", MethodID: "usdt-trc20", Amount: usd("100"), BonusTierID: "bronze", DeclineBonus: true}, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			sess, err := f.svc.CreateSession(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, KindValidation, KindOf(err))
			assert.Nil(t, sess)

			_, total, err := f.store.ListByUser(context.Background(), tt.req.UserID, 10, 0)
			require.NoError(t, err)
			assert.Zero(t, total)
			assert.Empty(t, f.store.Events())
		})
	}
}

func TestCreateSession_AtMaximum(t *testing.T) {
	f := newFixture(t, Config{})
	sess, err := f.svc.CreateSession(context.Background(), request("10000"))
	require.NoError(t, err)
	assert.Equal(t, StateQuoteIssued, sess.State)
}

func TestCreateSession_RateFailureFailsSession(t *testing.T) {
	t.Run("unavailable", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.rates.err = errors.New("connection refused")

		sess, err := f.svc.CreateSession(context.Background(), request("100"))
		assert.ErrorIs(t, err, ErrRateUnavailable)
		assert.Equal(t, KindTransient, KindOf(err))
		require.NotNil(t, sess)
		assert.Equal(t, StateFailed, sess.State)
		assert.Equal(t, FailureRateUnavailable, sess.FailureCode)
		assert.Nil(t, sess.Quote)
		assert.Equal(t, []string{events.EventDepositFailed}, f.store.Events())
		assert.Empty(t, f.tracker.ids)
	})

	t.Run("stale", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.rates.at = func() time.Time { return t0.Add(-2 * time.Minute) }

		sess, err := f.svc.CreateSession(context.Background(), request("100"))
		assert.ErrorIs(t, err, ErrStaleRate)
		require.NotNil(t, sess)
		assert.Equal(t, StateFailed, sess.State)
		assert.Equal(t, FailureStaleRate, sess.FailureCode)
	})
}

func TestSubmitAndConfirm(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, request("100"))
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	sess, err = f.svc.Submit(ctx, sess.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingConfirmation, sess.State)

	f.clock.Advance(time.Hour)
	obs := confirmation("tx-1", "117.72", f.clock.Now())
	sess, err = f.svc.Confirm(ctx, sess.ID, obs)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, sess.State)
	assert.Equal(t, "tx-1", sess.IdempotencyKey)

	// redelivery is absorbed
	again, err := f.svc.Confirm(ctx, sess.ID, obs)
	require.NoError(t, err)
	assert.Equal(t, sess.Version, again.Version)
	assert.Equal(t, 1, countEvents(f.store, events.EventDepositConfirmed))

	// a second transfer is refused and alerted
	_, err = f.svc.Confirm(ctx, sess.ID, confirmation("tx-2", "117.72", f.clock.Now()))
	assert.ErrorIs(t, err, ErrDuplicateConfirmation)
	assert.Equal(t, 1, countEvents(f.store, events.EventDepositConfirmed))
	assert.Equal(t, 1, countEvents(f.store, events.EventDepositUnmatchedSettlement))
}

func TestSubmit_OtherUser(t *testing.T) {
	f := newFixture(t, Config{})
	sess, err := f.svc.CreateSession(context.Background(), request("100"))
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), sess.ID, "someone-else")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestExpiredQuoteRefusesSubmitAndSettlement(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, request("100"))
	require.NoError(t, err)

	f.clock.Advance(24*time.Hour + time.Second)

	_, err = f.svc.Submit(ctx, sess.ID, "user-1")
	assert.ErrorIs(t, err, ErrQuoteExpired)
	assert.Equal(t, KindTemporal, KindOf(err))

	got, err := f.svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, got.State)

	got, err = f.svc.Confirm(ctx, sess.ID, confirmation("tx-late", "117.72", f.clock.Now()))
	assert.ErrorIs(t, err, ErrQuoteExpired)
	assert.Equal(t, StateExpired, got.State)
	assert.Zero(t, countEvents(f.store, events.EventDepositConfirmed))
	assert.Equal(t, 1, countEvents(f.store, events.EventDepositExpired))
	assert.Equal(t, 1, countEvents(f.store, events.EventDepositLateSettlement))
}

func TestConfirm_SettlementDeliveredAfterExpiry(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, request("100"))
	require.NoError(t, err)

	// seen on the rail while the quote was live, processed after expiry
	// and before the sweeper ran
	f.clock.Advance(25 * time.Hour)
	got, err := f.svc.Confirm(ctx, sess.ID, confirmation("tx-1", "117.72", t0.Add(23*time.Hour)))
	assert.ErrorIs(t, err, ErrQuoteExpired)
	assert.Equal(t, KindTemporal, KindOf(err))
	assert.Equal(t, StateExpired, got.State)
	assert.Empty(t, got.IdempotencyKey)

	assert.Zero(t, countEvents(f.store, events.EventDepositConfirmed))
	assert.Equal(t, 1, countEvents(f.store, events.EventDepositExpired))
	late := alerts(t, f.store, events.EventDepositLateSettlement)
	require.Len(t, late, 1)
	alert := late[0]
	assert.Equal(t, "tx-1", alert.Reference)
	assert.Equal(t, "settlement observed before quote expiry but delivered after it", alert.Reason)
	require.NotNil(t, alert.ObservedAt)
	assert.True(t, t0.Add(23*time.Hour).Equal(*alert.ObservedAt), "observed at %s", alert.ObservedAt)
}

func TestConfirm_JustPastExpiry(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, request("100"))
	require.NoError(t, err)

	// quote issued at T with a 24h TTL, confirmation at T+24h+1s
	f.clock.Advance(24*time.Hour + time.Second)
	got, err := f.svc.Confirm(ctx, sess.ID, confirmation("tx-1", "117.72", f.clock.Now()))
	assert.ErrorIs(t, err, ErrQuoteExpired)
	assert.Equal(t, StateExpired, got.State)

	// a second attempt finds the session already expired
	_, err = f.svc.Confirm(ctx, sess.ID, confirmation("tx-1", "117.72", t0.Add(time.Hour)))
	assert.ErrorIs(t, err, ErrQuoteExpired)
	assert.Zero(t, countEvents(f.store, events.EventDepositConfirmed))

	late := alerts(t, f.store, events.EventDepositLateSettlement)
	require.Len(t, late, 2)
	assert.Equal(t, "settlement observed after quote expiry", late[0].Reason)
	assert.Equal(t, StateExpired, late[1].State)
}

func TestConfirm_AmountOutsideTolerance(t *testing.T) {
	lower := dec("1")
	f := newFixture(t, Config{ToleranceLower: &lower, ToleranceUpper: dec("1")})
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, request("100"))
	require.NoError(t, err)

	got, err := f.svc.Confirm(ctx, sess.ID, confirmation("tx-1", "105.95", t0.Add(time.Hour)))
	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.Equal(t, KindConsistency, KindOf(err))
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, FailureAmountMismatch, got.FailureCode)
	require.NotNil(t, got.ObservedAmount)
	assert.Equal(t, "105.95 USDT", got.ObservedAmount.String())

	assert.Zero(t, countEvents(f.store, events.EventDepositConfirmed))
	assert.Equal(t, 1, countEvents(f.store, events.EventDepositFailed))
	assert.Equal(t, 1, countEvents(f.store, events.EventDepositAmountMismatch))
}

func TestNewService_Tolerance(t *testing.T) {
	zero, one, half := dec("0"), dec("1"), dec("0.5")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("unset lower defaults to exact or over", func(t *testing.T) {
		assert.Equal(t, DefaultTolerance.Lower.String(), Config{}.Tolerance().Lower.String())
	})

	t.Run("explicit zero lower is kept", func(t *testing.T) {
		f := newFixture(t, Config{ToleranceLower: &zero})
		ctx := context.Background()
		sess, err := f.svc.CreateSession(ctx, request("100"))
		require.NoError(t, err)

		got, err := f.svc.Confirm(ctx, sess.ID, confirmation("tx-1", "1", t0.Add(time.Hour)))
		require.NoError(t, err)
		assert.Equal(t, StateConfirmed, got.State)
	})

	rejects := map[string]Config{
		"upper below lower": {ToleranceLower: &one, ToleranceUpper: half},
		"negative lower":    {ToleranceLower: ptr(dec("-0.1"))},
		"negative upper":    {ToleranceUpper: dec("-1")},
	}
	for name, cfg := range rejects {
		t.Run(name, func(t *testing.T) {
			svc, err := NewService(NewMemoryStore(), testCatalog(t), &fakeRates{rate: one, at: time.Now}, cfg, logger)
			assert.ErrorIs(t, err, ErrInvalidTolerance)
			assert.Nil(t, svc)
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestConfirmByMemo(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, request("100"))
	require.NoError(t, err)

	got, err := f.svc.ConfirmByMemo(ctx, sess.Memo(), confirmation("tx-1", "117.72", t0))
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, got.State)

	_, err = f.svc.ConfirmByMemo(ctx, "unknown", confirmation("tx-9", "1", t0))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConfirm_ReferenceHeldByAnotherSession(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	first, err := f.svc.CreateSession(ctx, request("100"))
	require.NoError(t, err)
	second, err := f.svc.CreateSession(ctx, request("100"))
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, first.ID, confirmation("tx-1", "117.72", t0))
	require.NoError(t, err)

	got, err := f.svc.Confirm(ctx, second.ID, confirmation("tx-1", "117.72", t0))
	assert.ErrorIs(t, err, ErrDuplicateConfirmation)
	assert.Equal(t, StateQuoteIssued, got.State)
	assert.Equal(t, 1, countEvents(f.store, events.EventDepositConfirmed))
	assert.Equal(t, 1, countEvents(f.store, events.EventDepositUnmatchedSettlement))
}

func TestCancel_NoSettlement(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, request("100"))
	require.NoError(t, err)

	got, err := f.svc.Cancel(ctx, sess.ID, "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, FailureUserCancelled, got.FailureCode)

	// settlement arriving afterwards cannot confirm
	_, err = f.svc.Confirm(ctx, sess.ID, confirmation("tx-1", "117.72", t0))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, 1, countEvents(f.store, events.EventDepositUnmatchedSettlement))
}

func TestCancel_SettlementOnRail(t *testing.T) {
	t.Run("confirmed wins", func(t *testing.T) {
		f := newFixture(t, Config{})
		ctx := context.Background()
		sess, err := f.svc.CreateSession(ctx, request("100"))
		require.NoError(t, err)

		obs := confirmation("tx-1", "117.72", t0.Add(time.Minute))
		f.prober.obs = &obs

		got, err := f.svc.Cancel(ctx, sess.ID, "user-1", "")
		require.NoError(t, err)
		assert.Equal(t, StateConfirmed, got.State)
		assert.Zero(t, countEvents(f.store, events.EventDepositCancelled))
	})

	t.Run("pending blocks", func(t *testing.T) {
		f := newFixture(t, Config{})
		ctx := context.Background()
		sess, err := f.svc.CreateSession(ctx, request("100"))
		require.NoError(t, err)

		f.prober.obs = &Observation{Status: ObservationPending}

		got, err := f.svc.Cancel(ctx, sess.ID, "user-1", "")
		assert.ErrorIs(t, err, ErrSettlementPending)
		assert.Equal(t, StateQuoteIssued, got.State)
	})

	t.Run("rail unreachable", func(t *testing.T) {
		f := newFixture(t, Config{})
		ctx := context.Background()
		sess, err := f.svc.CreateSession(ctx, request("100"))
		require.NoError(t, err)

		f.prober.err = errors.New("timeout")

		_, err = f.svc.Cancel(ctx, sess.ID, "user-1", "")
		assert.ErrorIs(t, err, ErrSettlementUnknown)
		assert.Equal(t, KindTransient, KindOf(err))

		got, err := f.svc.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, StateQuoteIssued, got.State)
	})
}

func TestConcurrentCancelAndConfirm(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, Config{})
		ctx := context.Background()
		sess, err := f.svc.CreateSession(ctx, request("100"))
		require.NoError(t, err)
		_, err = f.svc.Submit(ctx, sess.ID, "user-1")
		require.NoError(t, err)

		obs := confirmation("tx-1", "117.72", t0.Add(time.Minute))
		f.prober.obs = &obs

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Cancel(ctx, sess.ID, "user-1", "")
		}()
		go func() {
			defer wg.Done()
			_, _ = f.svc.Confirm(ctx, sess.ID, obs)
		}()
		wg.Wait()

		got, err := f.svc.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, StateConfirmed, got.State)
		assert.Equal(t, 1, countEvents(f.store, events.EventDepositConfirmed))
		assert.Zero(t, countEvents(f.store, events.EventDepositCancelled))
	}
}

// staleStore fails the first n updates with ErrStaleSession after letting a
// competing writer bump the version.
type staleStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *staleStore) Update(ctx context.Context, sess *Session, evts []*events.Event) error {
	s.mu.Lock()
	s.calls++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return ErrStaleSession
	}
	return s.MemoryStore.Update(ctx, sess, evts)
}

func TestMutate_RetriesOnStaleVersion(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, request("100"))
	require.NoError(t, err)

	store := &staleStore{MemoryStore: f.store, failures: 2}
	svc, err := NewService(store, testCatalog(t), f.rates, Config{}, f.svc.logger)
	require.NoError(t, err)
	svc.WithClock(f.clock.Now)

	got, err := svc.Submit(ctx, sess.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingConfirmation, got.State)
	assert.Equal(t, 3, store.calls)
	assert.Equal(t, 1, countEvents(f.store, events.EventDepositSubmitted))
}

func TestMutate_GivesUpAfterMaxRetries(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, request("100"))
	require.NoError(t, err)

	store := &staleStore{MemoryStore: f.store, failures: 100}
	svc, err := NewService(store, testCatalog(t), f.rates, Config{MaxStaleRetries: 2}, f.svc.logger)
	require.NoError(t, err)
	svc.WithClock(f.clock.Now)

	_, err = svc.Submit(ctx, sess.ID, "user-1")
	assert.ErrorIs(t, err, ErrStaleSession)

	got, err := f.store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQuoteIssued, got.State)
}

func TestRequote(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	old, err := f.svc.CreateSession(ctx, request("100"))
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	f.rates.rate = dec("1.2")
	amount := usd("200")

	next, err := f.svc.Requote(ctx, old.ID, "user-1", &amount)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, next.ID)
	assert.Equal(t, StateQuoteIssued, next.State)
	assert.Equal(t, old.ID, next.Supersedes)
	assert.Equal(t, "240.00 USDT", next.Quote.NativeAmount.String())
	assert.Equal(t, "silver", next.BonusTier.ID)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), next.Quote.ExpiresAt)

	retired, err := f.svc.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, retired.State)
	assert.Equal(t, FailureSuperseded, retired.FailureCode)
	assert.Equal(t, next.ID, retired.SupersededBy)

	assert.Contains(t, f.tracker.ids, next.ID)
	assert.Equal(t, 2, countEvents(f.store, events.EventDepositQuoteIssued))
	assert.Equal(t, 1, countEvents(f.store, events.EventDepositCancelled))
}

func TestRequote_Refused(t *testing.T) {
	t.Run("after submit", func(t *testing.T) {
		f := newFixture(t, Config{})
		ctx := context.Background()
		sess, err := f.svc.CreateSession(ctx, request("100"))
		require.NoError(t, err)
		_, err = f.svc.Submit(ctx, sess.ID, "user-1")
		require.NoError(t, err)

		_, err = f.svc.Requote(ctx, sess.ID, "user-1", nil)
		assert.ErrorIs(t, err, ErrNotRequotable)
	})

	t.Run("after expiry", func(t *testing.T) {
		f := newFixture(t, Config{})
		ctx := context.Background()
		sess, err := f.svc.CreateSession(ctx, request("100"))
		require.NoError(t, err)
		f.clock.Advance(24 * time.Hour)

		_, err = f.svc.Requote(ctx, sess.ID, "user-1", nil)
		assert.ErrorIs(t, err, ErrQuoteExpired)
	})

	t.Run("new amount out of range", func(t *testing.T) {
		f := newFixture(t, Config{})
		ctx := context.Background()
		sess, err := f.svc.CreateSession(ctx, request("100"))
		require.NoError(t, err)
		amount := usd("1")

		_, err = f.svc.Requote(ctx, sess.ID, "user-1", &amount)
		assert.ErrorIs(t, err, ErrAmountOutOfRange)

		got, err := f.svc.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, StateQuoteIssued, got.State)
	})
}

func TestExpireDue(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a, err := f.svc.CreateSession(ctx, request("100"))
	require.NoError(t, err)
	b, err := f.svc.CreateSession(ctx, request("100"))
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, b.ID, "user-1")
	require.NoError(t, err)

	f.clock.Advance(12 * time.Hour)
	c, err := f.svc.CreateSession(ctx, request("100"))
	require.NoError(t, err)

	n, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(12 * time.Hour)
	n, err = f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[string]State{a.ID: StateExpired, b.ID: StateExpired, c.ID: StateQuoteIssued} {
		got, err := f.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.State, id)
	}

	n, err = f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListForUser(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.CreateSession(ctx, request("100"))
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}
	_, err := f.svc.CreateSession(ctx, DepositRequest{UserID: "user-2", MethodID: "usdt-trc20", Amount: usd("100")})
	require.NoError(t, err)

	page, total, err := f.svc.ListForUser(ctx, "user-1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 2)
	assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt))

	active, err := f.svc.ListActive(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, active, 4)
}
