package checkin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkantrust/ikoot-checkin/backend/store"
)

func TestAccumulatorCreditIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	u, err := NewDirectory(st).FindOrCreate(ctx, "ayu@example.com")
	require.NoError(t, err)

	acc := NewAccumulator(st, st)
	balance, err := acc.Credit(ctx, u.ID, "checkin-1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	balance, err = acc.Credit(ctx, u.ID, "checkin-1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	_, err = acc.Credit(ctx, u.ID, "checkin-2", 0)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestReconcileWithEmptyLedger(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	u, err := NewDirectory(st).FindOrCreate(ctx, "nobody@example.com")
	require.NoError(t, err)

	balance, repaired, err := NewAccumulator(st, st).Reconcile(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, balance)
	assert.Zero(t, repaired)
}

func TestDirectoryFindOrCreateKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory(store.NewMemory())

	first, err := d.FindOrCreate(ctx, "Putu@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "Putu", first.Name)
	assert.Equal(t, "Putu@Example.com", first.Email)

	again, err := d.FindOrCreate(ctx, "Putu@Example.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, err = d.Get(ctx, "other@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedgerRecordConflict(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	u, err := NewDirectory(st).FindOrCreate(ctx, "wayan@example.com")
	require.NoError(t, err)
	l := NewLedger(st)

	rec, err := l.Record(ctx, u.ID, 1, "Jakarta Music Festival 2024", AwardPoints)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)

	_, err = l.Record(ctx, u.ID, 1, "Jakarta Music Festival 2024", AwardPoints)
	assert.ErrorIs(t, err, ErrAlreadyCheckedIn)

	ok, err := l.Exists(ctx, u.ID, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	history, err := l.History(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
