package deposit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depositflow/internal/common/events"
)

func TestMemoryStore_VersionCheck(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s := issuedSession(t)
	require.NoError(t, store.Create(ctx, s, nil))
	assert.Equal(t, int64(1), s.Version)

	a, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	b, err := store.Get(ctx, s.ID)
	require.NoError(t, err)

	require.NoError(t, a.MarkSubmitted(t0))
	require.NoError(t, store.Update(ctx, a, nil))
	assert.Equal(t, int64(2), a.Version)

	require.NoError(t, b.Cancel(FailureUserCancelled, "", t0))
	assert.ErrorIs(t, store.Update(ctx, b, nil), ErrStaleSession)

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingConfirmation, got.State)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := issuedSession(t)
	require.NoError(t, store.Create(ctx, s, nil))

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	got.State = StateConfirmed
	got.Quote.ExpiresAt = time.Time{}

	again, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQuoteIssued, again.State)
	assert.Equal(t, t0.Add(24*time.Hour), again.Quote.ExpiresAt)
}

func TestMemoryStore_IdempotencyKeyIsUnique(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := issuedSession(t)
	require.NoError(t, store.Create(ctx, first, nil))
	second := issuedSession(t)
	second.ID = "s2"
	second.Quote.Destination.Memo = "s2"
	require.NoError(t, store.Create(ctx, second, nil))

	require.NoError(t, first.Confirm(confirmation("tx-1", "117.72", t0), DefaultTolerance, t0))
	require.NoError(t, store.Update(ctx, first, nil))

	require.NoError(t, second.Confirm(confirmation("tx-1", "117.72", t0), DefaultTolerance, t0))
	assert.ErrorIs(t, store.Update(ctx, second, nil), ErrDuplicateConfirmation)
}

func TestMemoryStore_MemoLookup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := issuedSession(t)
	require.NoError(t, store.Create(ctx, s, nil))

	got, err := store.GetByMemo(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	dup := issuedSession(t)
	dup.ID = "other"
	assert.Error(t, store.Create(ctx, dup, nil))
}

func TestMemoryStore_Outbox(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	e1, err := events.NewEvent(events.EventDepositQuoteIssued, AggregateType, "s1", nil)
	require.NoError(t, err)
	e2, err := events.NewEvent(events.EventDepositConfirmed, AggregateType, "s1", nil)
	require.NoError(t, err)
	require.NoError(t, store.Record(ctx, []*events.Event{e1, e2}))

	pending, err := store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, e1.ID, pending[0].EventID)

	require.NoError(t, store.MarkFailed(ctx, pending[0].ID, "broker down"))
	require.NoError(t, store.MarkPublished(ctx, pending[0].ID, t0))

	pending, err = store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, e2.ID, pending[0].EventID)

	assert.Error(t, store.MarkPublished(ctx, 99, t0))
}

func TestMemoryStore_Supersede(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	old := issuedSession(t)
	require.NoError(t, store.Create(ctx, old, nil))

	next := issuedSession(t)
	next.ID = "s2"
	next.Quote.Destination.Memo = "s2"
	next.Supersedes = old.ID

	stale := old.Clone()
	require.NoError(t, old.Cancel(FailureSuperseded, "", t0))
	old.SupersededBy = next.ID
	require.NoError(t, store.Supersede(ctx, old, next, nil))

	got, err := store.Get(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, old.ID, got.Supersedes)

	require.NoError(t, stale.Cancel(FailureSuperseded, "", t0))
	another := issuedSession(t)
	another.ID = "s3"
	another.Quote.Destination.Memo = "s3"
	assert.ErrorIs(t, store.Supersede(ctx, stale, another, nil), ErrStaleSession)
	_, err = store.Get(ctx, "s3")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestNullLimit(t *testing.T) {
	assert.Nil(t, nullLimit(0))
	assert.Nil(t, nullLimit(-1))
	require.NotNil(t, nullLimit(25))
	assert.Equal(t, 25, *nullLimit(25))
}
