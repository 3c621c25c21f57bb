package checkin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkantrust/ikoot-checkin/backend/catalog"
	"github.com/arkantrust/ikoot-checkin/backend/metrics"
	"github.com/arkantrust/ikoot-checkin/backend/models"
	"github.com/arkantrust/ikoot-checkin/backend/payload"
	"github.com/arkantrust/ikoot-checkin/backend/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type backend struct {
	name string
	open func(t *testing.T) store.Store
}

var backends = []backend{
	{"memory", func(t *testing.T) store.Store { return store.NewMemory() }},
	{"bolt", func(t *testing.T) store.Store {
		s, err := store.OpenBolt(filepath.Join(t.TempDir(), "checkins.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}},
}

func newService(t *testing.T, st store.Store) *Service {
	t.Helper()
	events, err := catalog.Default()
	require.NoError(t, err)
	return New(st, events, discard, metrics.New(prometheus.NewRegistry()))
}

func forEachBackend(t *testing.T, fn func(t *testing.T, st store.Store, svc *Service)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			st := b.open(t)
			fn(t, st, newService(t, st))
		})
	}
}

func TestCheckInAwardsOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st store.Store, svc *Service) {
		ctx := context.Background()
		req := Request{EventID: 1, Email: "rina@example.com"}

		first, err := svc.CheckIn(ctx, req)
		require.NoError(t, err)
		assert.False(t, first.AlreadyCheckedIn)
		assert.Equal(t, AwardPoints, first.PointsEarned)
		assert.Equal(t, int64(5), first.TotalPoints)
		assert.Equal(t, "Jakarta Music Festival 2024", first.Event.Title)
		assert.Equal(t, "rina", first.User.Name)
		assert.Equal(t, int64(5), first.User.Points)

		second, err := svc.CheckIn(ctx, req)
		require.NoError(t, err)
		assert.True(t, second.AlreadyCheckedIn)
		assert.Zero(t, second.PointsEarned)
		assert.Equal(t, int64(5), second.TotalPoints)
		assert.Equal(t, first.User.ID, second.User.ID)

		records, err := st.ListCheckins(ctx, first.User.ID)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})
}

func TestJakartaScenario(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st store.Store, svc *Service) {
		ctx := context.Background()
		email := "budi@example.com"

		out, err := svc.Scan(ctx, payload.Encode(1), email)
		require.NoError(t, err)
		assert.Equal(t, int64(5), out.PointsEarned)
		assert.Equal(t, int64(5), out.TotalPoints)

		out, err = svc.Scan(ctx, "IKOOT_EVENT:1", email)
		require.NoError(t, err)
		assert.True(t, out.AlreadyCheckedIn)
		assert.Equal(t, int64(5), out.TotalPoints)

		out, err = svc.Scan(ctx, "IKOOT_EVENT:2", email)
		require.NoError(t, err)
		assert.False(t, out.AlreadyCheckedIn)
		assert.Equal(t, int64(5), out.PointsEarned)
		assert.Equal(t, int64(10), out.TotalPoints)
		assert.Equal(t, "Bandung Creative Expo", out.Event.Title)

		acct, err := svc.Account(ctx, email)
		require.NoError(t, err)
		assert.Equal(t, int64(10), acct.User.Points)
		require.Len(t, acct.Checkins, 2)
		assert.Equal(t, int64(1), acct.Checkins[0].EventID)
		assert.Equal(t, "Jakarta Music Festival 2024", acct.Checkins[0].EventTitle)
	})
}

func TestConcurrentDoubleScan(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st store.Store, svc *Service) {
		ctx := context.Background()
		const n = 20

		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			conflicts atomic.Int32
			failures  atomic.Int32
		)
		start := make(chan struct{})
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				out, err := svc.CheckIn(ctx, Request{EventID: 3, Email: "sari@example.com"})
				switch {
				case err != nil:
					failures.Add(1)
				case out.AlreadyCheckedIn:
					conflicts.Add(1)
				default:
					successes.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Zero(t, failures.Load())
		assert.Equal(t, int32(1), successes.Load())
		assert.Equal(t, int32(n-1), conflicts.Load())

		users, err := st.ListUsers(ctx)
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, int64(5), users[0].Points)

		records, err := st.ListCheckins(ctx, users[0].ID)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})
}

func TestBalanceMatchesLedger(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st store.Store, svc *Service) {
		ctx := context.Background()
		emails := []string{"a@example.com", "b@example.com"}
		for _, email := range emails {
			for _, id := range []int64{1, 2, 3, 2, 1} {
				_, err := svc.CheckIn(ctx, Request{EventID: id, Email: email})
				require.NoError(t, err)
			}
		}

		users, err := st.ListUsers(ctx)
		require.NoError(t, err)
		require.Len(t, users, len(emails))
		for _, u := range users {
			records, err := st.ListCheckins(ctx, u.ID)
			require.NoError(t, err)
			var sum int64
			for _, r := range records {
				sum += r.PointsAwarded
			}
			assert.Equal(t, sum, u.Points, u.Email)
			assert.Equal(t, int64(15), u.Points)
		}
	})
}

func TestCheckInRejectsWithoutSideEffects(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		kind Kind
	}{
		{"unknown event", Request{EventID: 999, Email: "x@example.com"}, KindNotFound},
		{"zero event", Request{EventID: 0, Email: "x@example.com"}, KindValidation},
		{"negative event", Request{EventID: -4, Email: "x@example.com"}, KindValidation},
		{"missing email", Request{EventID: 1}, KindValidation},
		{"blank email", Request{EventID: 1, Email: "   "}, KindValidation},
		{"no domain", Request{EventID: 1, Email: "x@"}, KindValidation},
		{"no local part", Request{EventID: 1, Email: "@example.com"}, KindValidation},
	}
	forEachBackend(t, func(t *testing.T, st store.Store, svc *Service) {
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				out, err := svc.CheckIn(context.Background(), tt.req)
				require.Error(t, err)
				assert.Nil(t, out)
				assert.Equal(t, tt.kind, KindOf(err))
			})
		}

		users, err := st.ListUsers(context.Background())
		require.NoError(t, err)
		assert.Empty(t, users)
	})
}

func TestScanMalformedPayload(t *testing.T) {
	svc := newService(t, store.NewMemory())
	for _, raw := range []string{"", "IKOOT_EVENT:", "IKOOT_EVENT:abc", "EVENT:1", "IKOOT_EVENT:0"} {
		_, err := svc.Scan(context.Background(), raw, "x@example.com")
		require.Error(t, err, raw)
		assert.ErrorIs(t, err, ErrMalformedPayload, raw)
		assert.ErrorIs(t, err, payload.ErrMalformed, raw)
		assert.Equal(t, "malformed payload", MessageOf(err))
	}
}

func TestAccountUnknownUser(t *testing.T) {
	svc := newService(t, store.NewMemory())
	_, err := svc.Account(context.Background(), "ghost@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventLookup(t *testing.T) {
	svc := newService(t, store.NewMemory())
	ctx := context.Background()

	e, err := svc.Event(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "Bandung Creative Expo", e.Title)

	_, err = svc.Event(ctx, 42)
	assert.Equal(t, KindNotFound, KindOf(err))

	events, err := svc.Events(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

// flakyStore is a non-atomic backend whose credits can be made to fail after
// the ledger write.
type flakyStore struct {
	*store.Memory
	failCredits atomic.Bool
}

var errInjected = errors.New("injected credit failure")

func (f *flakyStore) ApplyCredit(ctx context.Context, c models.Credit) (int64, bool, error) {
	if f.failCredits.Load() {
		return 0, false, errInjected
	}
	return f.Memory.ApplyCredit(ctx, c)
}

func TestCreditFailureRepairedOnRetry(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Memory: store.NewMemory()}
	svc := newService(t, st)
	req := Request{EventID: 1, Email: "dewi@example.com"}

	st.failCredits.Store(true)
	_, err := svc.CheckIn(ctx, req)
	require.Error(t, err)
	assert.Equal(t, KindStorage, KindOf(err))
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, "storage unavailable, retry later", MessageOf(err))

	u, err := st.GetUserByEmail(ctx, req.Email)
	require.NoError(t, err)
	assert.Zero(t, u.Points)
	recorded, err := svc.ledger.Exists(ctx, u.ID, 1)
	require.NoError(t, err)
	assert.True(t, recorded)

	st.failCredits.Store(false)
	out, err := svc.CheckIn(ctx, req)
	require.NoError(t, err)
	assert.True(t, out.AlreadyCheckedIn)
	assert.Equal(t, int64(5), out.TotalPoints)

	// Further retries never award twice.
	out, err = svc.CheckIn(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(5), out.TotalPoints)
}

func TestAccountRepairsPendingCredit(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Memory: store.NewMemory()}
	svc := newService(t, st)

	_, err := svc.CheckIn(ctx, Request{EventID: 1, Email: "eka@example.com"})
	require.NoError(t, err)

	st.failCredits.Store(true)
	_, err = svc.CheckIn(ctx, Request{EventID: 2, Email: "eka@example.com"})
	require.Error(t, err)
	st.failCredits.Store(false)

	acct, err := svc.Account(ctx, "eka@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.User.Points)
	assert.Len(t, acct.Checkins, 2)
}

func TestReconcileAll(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Memory: store.NewMemory()}
	svc := newService(t, st)

	_, err := svc.CheckIn(ctx, Request{EventID: 1, Email: "ok@example.com"})
	require.NoError(t, err)

	st.failCredits.Store(true)
	for _, email := range []string{"p@example.com", "q@example.com", "r@example.com"} {
		_, err := svc.CheckIn(ctx, Request{EventID: 2, Email: email})
		require.Error(t, err)
	}
	st.failCredits.Store(false)
	svc.accumulator.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }

	repaired, err := svc.ReconcileAll(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, repaired)

	repaired, err = svc.ReconcileAll(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, repaired)

	for _, email := range []string{"ok@example.com", "p@example.com", "q@example.com", "r@example.com"} {
		u, err := st.GetUserByEmail(ctx, email)
		require.NoError(t, err)
		assert.Equal(t, int64(5), u.Points, email)
	}
}

func TestReconcileAllPropagatesStorageErrors(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Memory: store.NewMemory()}
	svc := newService(t, st)

	_, err := svc.CheckIn(ctx, Request{EventID: 1, Email: "ok@example.com"})
	require.NoError(t, err)

	st.failCredits.Store(true)
	_, err = svc.ReconcileAll(ctx, 1)
	assert.Equal(t, KindStorage, KindOf(err))
}

func newServiceWithRegistry(t *testing.T, st store.Store) (*Service, *prometheus.Registry) {
	t.Helper()
	events, err := catalog.Default()
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	return New(st, events, discard, metrics.New(reg)), reg
}

const repairsMetric = "ikoot_checkin_credit_repairs_total"

// A conflict that lands between another check-in's ledger write and its
// credit completes that credit without reporting a repair.
func TestConflictCompletingInFlightCreditIsNotARepair(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc, reg := newServiceWithRegistry(t, st)

	u, err := svc.directory.FindOrCreate(ctx, "galih@example.com")
	require.NoError(t, err)
	_, err = svc.ledger.Record(ctx, u.ID, 1, "Jakarta Music Festival 2024", AwardPoints)
	require.NoError(t, err)

	out, err := svc.CheckIn(ctx, Request{EventID: 1, Email: "galih@example.com"})
	require.NoError(t, err)
	assert.True(t, out.AlreadyCheckedIn)
	assert.Equal(t, int64(5), out.TotalPoints)

	assert.Zero(t, gatheredCounter(t, reg, repairsMetric))
}

func TestConflictAfterGraceCountsRepair(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc, reg := newServiceWithRegistry(t, st)

	u, err := svc.directory.FindOrCreate(ctx, "indah@example.com")
	require.NoError(t, err)
	_, err = svc.ledger.Record(ctx, u.ID, 1, "Jakarta Music Festival 2024", AwardPoints)
	require.NoError(t, err)

	svc.accumulator.now = func() time.Time { return time.Now().UTC().Add(repairGrace + time.Second) }
	out, err := svc.CheckIn(ctx, Request{EventID: 1, Email: "indah@example.com"})
	require.NoError(t, err)
	assert.True(t, out.AlreadyCheckedIn)
	assert.Equal(t, int64(5), out.TotalPoints)
	assert.Equal(t, 1.0, gatheredCounter(t, reg, repairsMetric))
}

func gatheredCounter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}
