// Package store defines the persistence contract of the check-in ledger and
// its backends.
//
// Every backend exposes the same three primitives, each atomic on its own:
//   - CreateUserIfAbsent: insert-if-absent keyed by email.
//   - CreateCheckinIfAbsent: insert-if-absent keyed by (user, event).
//   - ApplyCredit: add a delta to a user's balance at most once per check-in.
//
// Creates follow the same shape throughout: they return the stored record and
// whether this call wrote it. A losing racer gets (existing, false, nil), never
// a second record.
package store

import (
	"context"
	"errors"

	"github.com/arkantrust/ikoot-checkin/backend/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// UserStore persists users.
type UserStore interface {
	// CreateUserIfAbsent stores u unless a user with u.Email exists. The caller
	// fills ID and timestamps; they are discarded when the email is taken.
	CreateUserIfAbsent(ctx context.Context, u *models.User) (*models.User, bool, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
}

// LedgerStore persists check-in records.
type LedgerStore interface {
	HasCheckin(ctx context.Context, userID string, eventID int64) (bool, error)
	// CreateCheckinIfAbsent stores rec unless a record for the same user and
	// event exists.
	CreateCheckinIfAbsent(ctx context.Context, rec *models.CheckinRecord) (*models.CheckinRecord, bool, error)
	GetCheckin(ctx context.Context, userID string, eventID int64) (*models.CheckinRecord, error)
	// ListCheckins returns a user's records, oldest first.
	ListCheckins(ctx context.Context, userID string) ([]models.CheckinRecord, error)
}

// PointsStore maintains balances.
type PointsStore interface {
	// ApplyCredit adds amount to the user's balance unless a credit for
	// checkinID was already applied. It returns the balance after the call and
	// whether this call applied the credit.
	ApplyCredit(ctx context.Context, c models.Credit) (int64, bool, error)
	Balance(ctx context.Context, userID string) (int64, error)
}

// Store is a complete backend.
type Store interface {
	UserStore
	LedgerStore
	PointsStore
	Close() error
}

// AtomicCheckinStore is implemented by backends that can write a ledger
// record and its credit in a single transaction. The credit is applied only
// when the record is created.
type AtomicCheckinStore interface {
	CreateCheckinAndCredit(ctx context.Context, rec *models.CheckinRecord) (stored *models.CheckinRecord, balance int64, created bool, err error)
}
