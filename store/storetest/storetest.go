// Package storetest runs the behaviour every store.Store backend must share
// against a concrete backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arkantrust/ikoot-checkin/backend/models"
	"github.com/arkantrust/ikoot-checkin/backend/store"
)

// Factory returns a fresh, empty store. It should register its own cleanup.
type Factory func(t *testing.T) store.Store

// Run exercises s against the shared contract.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"CreateUserIdempotency", testCreateUserIdempotency},
		{"CreateUserConcurrent", testCreateUserConcurrent},
		{"GetUserNotFound", testGetUserNotFound},
		{"ListUsers", testListUsers},
		{"CreateCheckinIdempotency", testCreateCheckinIdempotency},
		{"CreateCheckinConcurrent", testCreateCheckinConcurrent},
		{"ListCheckins", testListCheckins},
		{"ApplyCreditOncePerCheckin", testApplyCreditOncePerCheckin},
		{"ApplyCreditConcurrent", testApplyCreditConcurrent},
		{"ApplyCreditUnknownUser", testApplyCreditUnknownUser},
		{"AtomicCheckin", testAtomicCheckin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// NewUser returns an unsaved user with a fresh id.
func NewUser(email string) *models.User {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.User{ID: uuid.NewString(), Email: email, Name: email, CreatedAt: now, UpdatedAt: now}
}

// NewCheckin returns an unsaved record for userID at eventID.
func NewCheckin(userID string, eventID int64) *models.CheckinRecord {
	return &models.CheckinRecord{
		ID:            uuid.NewString(),
		UserID:        userID,
		EventID:       eventID,
		EventTitle:    fmt.Sprintf("event %d", eventID),
		PointsAwarded: 5,
		CheckedInAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
}

func mustCreateUser(t *testing.T, s store.Store, email string) *models.User {
	t.Helper()
	u, created, err := s.CreateUserIfAbsent(context.Background(), NewUser(email))
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if !created {
		t.Fatalf("expected user %q to be new", email)
	}
	return u
}

func testCreateUserIdempotency(t *testing.T, s store.Store) {
	ctx := context.Background()

	first, created, err := s.CreateUserIfAbsent(ctx, NewUser("a@x.com"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first call")
	}

	second, created, err := s.CreateUserIfAbsent(ctx, NewUser("a@x.com"))
	if err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if created {
		t.Fatal("expected created=false for an existing email")
	}
	if second.ID != first.ID {
		t.Fatalf("expected id %q, got %q", first.ID, second.ID)
	}

	// Emails are case-sensitive keys.
	_, created, err = s.CreateUserIfAbsent(ctx, NewUser("A@x.com"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatal("expected a distinct user for a differently cased email")
	}

	got, err := s.GetUserByEmail(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if got.ID != first.ID || got.Points != 0 {
		t.Fatalf("unexpected stored user: %+v", got)
	}
	byID, err := s.GetUser(ctx, first.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if byID.Email != "a@x.com" {
		t.Fatalf("expected email a@x.com, got %q", byID.Email)
	}
}

func testCreateUserConcurrent(t *testing.T, s store.Store) {
	const n = 16
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]int{}
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, ok, err := s.CreateUserIfAbsent(ctx, NewUser("race@x.com"))
			if err != nil {
				t.Errorf("create user: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[u.ID]++
			if ok {
				created++
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected exactly one creation, got %d", created)
	}
	if len(ids) != 1 {
		t.Fatalf("expected every caller to see the same id, got %v", ids)
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
}

func testGetUserNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, err := s.GetUserByEmail(ctx, "missing@x.com"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetUser(ctx, uuid.NewString()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Balance(ctx, uuid.NewString()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testListUsers(t *testing.T, s store.Store) {
	ctx := context.Background()
	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expected empty list, got %d users", len(users))
	}

	mustCreateUser(t, s, "one@x.com")
	mustCreateUser(t, s, "two@x.com")

	users, err = s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
}

func testCreateCheckinIdempotency(t *testing.T, s store.Store) {
	ctx := context.Background()
	u := mustCreateUser(t, s, "a@x.com")

	ok, err := s.HasCheckin(ctx, u.ID, 1)
	if err != nil || ok {
		t.Fatalf("expected no checkin yet, got %v, %v", ok, err)
	}
	if _, err := s.GetCheckin(ctx, u.ID, 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	first, created, err := s.CreateCheckinIfAbsent(ctx, NewCheckin(u.ID, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first call")
	}

	second, created, err := s.CreateCheckinIfAbsent(ctx, NewCheckin(u.ID, 1))
	if err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if created {
		t.Fatal("expected created=false on duplicate call")
	}
	if second.ID != first.ID {
		t.Fatalf("expected the original record, got %q want %q", second.ID, first.ID)
	}
	if !second.CheckedInAt.Equal(first.CheckedInAt) {
		t.Fatal("checkedInAt should not change on idempotent create")
	}

	ok, err = s.HasCheckin(ctx, u.ID, 1)
	if err != nil || !ok {
		t.Fatalf("expected checkin to exist, got %v, %v", ok, err)
	}
	ok, err = s.HasCheckin(ctx, u.ID, 2)
	if err != nil || ok {
		t.Fatalf("expected no checkin for another event, got %v, %v", ok, err)
	}
}

func testCreateCheckinConcurrent(t *testing.T, s store.Store) {
	const n = 16
	ctx := context.Background()
	u := mustCreateUser(t, s, "a@x.com")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.CreateCheckinIfAbsent(ctx, NewCheckin(u.ID, 7))
			if err != nil {
				t.Errorf("create checkin: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected exactly one creation, got %d", created)
	}
	records, err := s.ListCheckins(ctx, u.ID)
	if err != nil {
		t.Fatalf("list checkins: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
}

func testListCheckins(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := mustCreateUser(t, s, "a@x.com")
	b := mustCreateUser(t, s, "b@x.com")

	for _, eventID := range []int64{3, 1, 2} {
		if _, _, err := s.CreateCheckinIfAbsent(ctx, NewCheckin(a.ID, eventID)); err != nil {
			t.Fatalf("create checkin: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if _, _, err := s.CreateCheckinIfAbsent(ctx, NewCheckin(b.ID, 1)); err != nil {
		t.Fatalf("create checkin: %v", err)
	}

	records, err := s.ListCheckins(ctx, a.ID)
	if err != nil {
		t.Fatalf("list checkins: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, want := range []int64{3, 1, 2} {
		if records[i].EventID != want {
			t.Fatalf("record %d: expected event %d, got %d", i, want, records[i].EventID)
		}
	}

	empty, err := s.ListCheckins(ctx, uuid.NewString())
	if err != nil {
		t.Fatalf("list checkins: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no records, got %d", len(empty))
	}
}

func credit(rec *models.CheckinRecord) models.Credit {
	return models.Credit{
		CheckinID: rec.ID,
		UserID:    rec.UserID,
		Amount:    rec.PointsAwarded,
		AppliedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func testApplyCreditOncePerCheckin(t *testing.T, s store.Store) {
	ctx := context.Background()
	u := mustCreateUser(t, s, "a@x.com")
	rec, _, err := s.CreateCheckinIfAbsent(ctx, NewCheckin(u.ID, 1))
	if err != nil {
		t.Fatalf("create checkin: %v", err)
	}

	balance, applied, err := s.ApplyCredit(ctx, credit(rec))
	if err != nil {
		t.Fatalf("apply credit: %v", err)
	}
	if !applied || balance != 5 {
		t.Fatalf("expected applied balance 5, got applied=%v balance=%d", applied, balance)
	}

	balance, applied, err = s.ApplyCredit(ctx, credit(rec))
	if err != nil {
		t.Fatalf("apply credit retry: %v", err)
	}
	if applied || balance != 5 {
		t.Fatalf("expected no-op retry at 5, got applied=%v balance=%d", applied, balance)
	}

	got, err := s.Balance(ctx, u.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got != 5 {
		t.Fatalf("expected balance 5, got %d", got)
	}
	user, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.Points != 5 {
		t.Fatalf("expected user points 5, got %d", user.Points)
	}
}

func testApplyCreditConcurrent(t *testing.T, s store.Store) {
	const n = 10
	ctx := context.Background()
	u := mustCreateUser(t, s, "a@x.com")

	records := make([]*models.CheckinRecord, n)
	for i := range records {
		rec, _, err := s.CreateCheckinIfAbsent(ctx, NewCheckin(u.ID, int64(i+1)))
		if err != nil {
			t.Fatalf("create checkin: %v", err)
		}
		records[i] = rec
	}

	// Each credit is submitted twice so lost updates and double applies both
	// show up in the final balance.
	var wg sync.WaitGroup
	for _, rec := range append(records, records...) {
		wg.Add(1)
		go func(rec *models.CheckinRecord) {
			defer wg.Done()
			if _, _, err := s.ApplyCredit(ctx, credit(rec)); err != nil {
				t.Errorf("apply credit: %v", err)
			}
		}(rec)
	}
	wg.Wait()

	got, err := s.Balance(ctx, u.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got != 5*n {
		t.Fatalf("expected balance %d, got %d", 5*n, got)
	}
}

func testApplyCreditUnknownUser(t *testing.T, s store.Store) {
	_, _, err := s.ApplyCredit(context.Background(), models.Credit{
		CheckinID: uuid.NewString(),
		UserID:    uuid.NewString(),
		Amount:    5,
		AppliedAt: time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testAtomicCheckin(t *testing.T, s store.Store) {
	atomic, ok := s.(store.AtomicCheckinStore)
	if !ok {
		t.Skip("backend has no atomic check-in")
	}
	ctx := context.Background()
	u := mustCreateUser(t, s, "a@x.com")

	rec, balance, created, err := atomic.CreateCheckinAndCredit(ctx, NewCheckin(u.ID, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created || balance != 5 {
		t.Fatalf("expected created with balance 5, got created=%v balance=%d", created, balance)
	}

	again, balance, created, err := atomic.CreateCheckinAndCredit(ctx, NewCheckin(u.ID, 1))
	if err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if created || balance != 5 || again.ID != rec.ID {
		t.Fatalf("expected existing record at 5, got created=%v balance=%d id=%q", created, balance, again.ID)
	}

	// The credit written with the record must make a later repair a no-op.
	balance, applied, err := s.ApplyCredit(ctx, credit(rec))
	if err != nil {
		t.Fatalf("apply credit: %v", err)
	}
	if applied || balance != 5 {
		t.Fatalf("expected credit already applied, got applied=%v balance=%d", applied, balance)
	}
}
