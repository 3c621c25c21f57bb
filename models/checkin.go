// Package models defines the core domain types for the check-in ledger.
package models

import "time"

// Event is a catalog entry a user can check in to. The ledger never mutates
// events; it only copies the title into each CheckinRecord.
type Event struct {
	ID       int64  `json:"id" yaml:"id"`
	Title    string `json:"title" yaml:"title"`
	Location string `json:"location" yaml:"location"`

	// Date and Description are display-only.
	Date        string `json:"date,omitempty" yaml:"date"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// User is a loyalty account keyed by email.
//
// ID is assigned once when the user is first seen and never reused. Points is
// a projection of the ledger: it always equals the sum of the credits applied
// for the user's check-ins.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Points    int64     `json:"points"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CheckinRecord is one ledger entry. At most one exists per (UserID, EventID)
// and it is never modified after creation.
type CheckinRecord struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	EventID       int64     `json:"eventId"`
	EventTitle    string    `json:"eventTitle"`
	PointsAwarded int64     `json:"pointsAwarded"`
	CheckedInAt   time.Time `json:"checkedInAt"`
}

// Credit marks a CheckinRecord as folded into the owner's balance. Keeping it
// apart from the record lets the balance be repaired without touching the
// immutable ledger.
type Credit struct {
	CheckinID string    `json:"checkinId"`
	UserID    string    `json:"userId"`
	Amount    int64     `json:"amount"`
	AppliedAt time.Time `json:"appliedAt"`
}
