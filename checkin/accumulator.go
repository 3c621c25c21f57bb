package checkin

import (
	"context"
	"time"

	"github.com/arkantrust/ikoot-checkin/backend/models"
	"github.com/arkantrust/ikoot-checkin/backend/store"
)

// Accumulator maintains balances as a projection of the ledger. Each credit
// is tied to the ledger record that earned it, so applying it again is a
// no-op and a missed credit can be replayed from the ledger at any time.
type Accumulator struct {
	points  store.PointsStore
	records store.LedgerStore
	now     func() time.Time
	// grace is how old a record must be before a credit Reconcile applies
	// for it counts as a repair.
	grace time.Duration
}

// repairGrace covers the gap between a concurrent check-in's ledger write and
// its own credit. A younger record credited by Reconcile is that check-in
// finishing, not a lost credit.
const repairGrace = 5 * time.Second

// NewAccumulator returns an Accumulator writing to points and repairing from
// records.
func NewAccumulator(points store.PointsStore, records store.LedgerStore) *Accumulator {
	return &Accumulator{points: points, records: records, now: utcNow, grace: repairGrace}
}

// Credit adds amount to the user's balance for the given check-in and returns
// the new balance.
func (a *Accumulator) Credit(ctx context.Context, userID, checkinID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, validationError("credit amount must be positive")
	}
	balance, _, err := a.points.ApplyCredit(ctx, models.Credit{
		CheckinID: checkinID,
		UserID:    userID,
		Amount:    amount,
		AppliedAt: a.now(),
	})
	if err != nil {
		return 0, storageError(err)
	}
	return balance, nil
}

// Reconcile applies every credit the user's ledger implies but the balance
// is missing. It returns the balance afterwards and how many of the applied
// credits were repairs: credits for records older than the grace window.
// Credits for younger records are applied the same way but not counted.
func (a *Accumulator) Reconcile(ctx context.Context, userID string) (int64, int, error) {
	records, err := a.records.ListCheckins(ctx, userID)
	if err != nil {
		return 0, 0, storageError(err)
	}
	if len(records) == 0 {
		balance, err := a.Balance(ctx, userID)
		return balance, 0, err
	}

	var (
		balance  int64
		repaired int
	)
	for _, rec := range records {
		now := a.now()
		b, applied, err := a.points.ApplyCredit(ctx, models.Credit{
			CheckinID: rec.ID,
			UserID:    rec.UserID,
			Amount:    rec.PointsAwarded,
			AppliedAt: now,
		})
		if err != nil {
			return 0, repaired, storageError(err)
		}
		balance = b
		if applied && now.Sub(rec.CheckedInAt) >= a.grace {
			repaired++
		}
	}
	return balance, repaired, nil
}

// Balance returns the stored balance without repairing it.
func (a *Accumulator) Balance(ctx context.Context, userID string) (int64, error) {
	balance, err := a.points.Balance(ctx, userID)
	if err != nil {
		return 0, storageError(err)
	}
	return balance, nil
}
