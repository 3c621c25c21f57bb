package checkin

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/arkantrust/ikoot-checkin/backend/models"
	"github.com/arkantrust/ikoot-checkin/backend/store"
)

// Ledger is the append-only record of who attended what. Record is the only
// place that enforces one record per (user, event).
type Ledger struct {
	records store.LedgerStore
	now     func() time.Time
	newID   func() string
}

// NewLedger returns a Ledger over records.
func NewLedger(records store.LedgerStore) *Ledger {
	return &Ledger{records: records, now: utcNow, newID: uuid.NewString}
}

// Exists reports whether the pair is already recorded. It is a hint only;
// Record decides.
func (l *Ledger) Exists(ctx context.Context, userID string, eventID int64) (bool, error) {
	ok, err := l.records.HasCheckin(ctx, userID, eventID)
	if err != nil {
		return false, storageError(err)
	}
	return ok, nil
}

func (l *Ledger) newRecord(userID string, eventID int64, title string, points int64) *models.CheckinRecord {
	return &models.CheckinRecord{
		ID:            l.newID(),
		UserID:        userID,
		EventID:       eventID,
		EventTitle:    title,
		PointsAwarded: points,
		CheckedInAt:   l.now(),
	}
}

// Record appends a record for the pair. Every call after the first for the
// same pair returns ErrAlreadyCheckedIn, however many callers race.
func (l *Ledger) Record(ctx context.Context, userID string, eventID int64, title string, points int64) (*models.CheckinRecord, error) {
	rec, created, err := l.records.CreateCheckinIfAbsent(ctx, l.newRecord(userID, eventID, title, points))
	if err != nil {
		return nil, storageError(err)
	}
	if !created {
		return nil, ErrAlreadyCheckedIn
	}
	return rec, nil
}

// History returns the user's records, oldest first.
func (l *Ledger) History(ctx context.Context, userID string) ([]models.CheckinRecord, error) {
	records, err := l.records.ListCheckins(ctx, userID)
	if err != nil {
		return nil, storageError(err)
	}
	return records, nil
}
