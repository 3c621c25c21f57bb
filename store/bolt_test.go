package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/arkantrust/ikoot-checkin/backend/store"
	"github.com/arkantrust/ikoot-checkin/backend/store/storetest"
)

func newTestBolt(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.OpenBolt(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestBolt(t) })
}

func TestBoltSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := store.OpenBolt(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	u, _, err := s.CreateUserIfAbsent(ctx, storetest.NewUser("a@x.com"))
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, _, _, err := s.CreateCheckinAndCredit(ctx, storetest.NewCheckin(u.ID, 1)); err != nil {
		t.Fatalf("checkin: %v", err)
	}
	s.Close()

	s, err = store.OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.GetUserByEmail(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.ID != u.ID || got.Points != 5 {
		t.Fatalf("unexpected user after reopen: %+v", got)
	}
	records, err := s.ListCheckins(ctx, u.ID)
	if err != nil {
		t.Fatalf("list checkins: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record after reopen, got %d", len(records))
	}
}

func TestBoltAtomicCheckinUnknownUser(t *testing.T) {
	s := newTestBolt(t)
	// The transaction must roll back the record when the credit cannot apply.
	rec := storetest.NewCheckin("no-such-user", 1)
	_, _, _, err := s.CreateCheckinAndCredit(context.Background(), rec)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ok, err := s.HasCheckin(context.Background(), "no-such-user", 1)
	if err != nil {
		t.Fatalf("has checkin: %v", err)
	}
	if ok {
		t.Fatal("record should not survive a failed transaction")
	}
}

func TestBoltCanceledContext(t *testing.T) {
	s := newTestBolt(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := s.CreateUserIfAbsent(ctx, storetest.NewUser("a@x.com")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
