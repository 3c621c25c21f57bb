// Package checkin awards loyalty points for attending events.
//
// A check-in decodes or receives an event id, resolves the event in the
// catalog, resolves or creates the user, appends a ledger record for the
// (user, event) pair and credits the award to the user's balance. The ledger
// is the source of truth: a user earns the award for an event at most once,
// and the balance can always be rebuilt from the ledger when a credit was
// lost between the two writes.
package checkin

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/arkantrust/ikoot-checkin/backend/catalog"
	"github.com/arkantrust/ikoot-checkin/backend/metrics"
	"github.com/arkantrust/ikoot-checkin/backend/models"
	"github.com/arkantrust/ikoot-checkin/backend/payload"
	"github.com/arkantrust/ikoot-checkin/backend/store"
)

// AwardPoints is credited for every first check-in to an event.
const AwardPoints int64 = 5

// Request identifies one check-in attempt.
type Request struct {
	EventID int64
	Email   string
}

// Outcome is the result of a check-in that reached the ledger.
type Outcome struct {
	// AlreadyCheckedIn is set when the pair was recorded earlier. Nothing was
	// awarded and PointsEarned is zero.
	AlreadyCheckedIn bool
	PointsEarned     int64
	TotalPoints      int64
	Event            models.Event
	User             models.User
}

// Account is a user with a reconciled balance and the ledger behind it.
type Account struct {
	User     models.User
	Checkins []models.CheckinRecord
}

// Service orchestrates check-ins.
type Service struct {
	catalog     catalog.Catalog
	directory   *Directory
	ledger      *Ledger
	accumulator *Accumulator
	atomic      store.AtomicCheckinStore // nil when the backend cannot commit record and credit together
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// New returns a check-in service over st. When st can write a record and its
// credit in one transaction, check-ins use that path.
func New(st store.Store, events catalog.Catalog, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		catalog:     events,
		directory:   NewDirectory(st),
		ledger:      NewLedger(st),
		accumulator: NewAccumulator(st, st),
		logger:      logger,
		metrics:     m,
	}
	if a, ok := st.(store.AtomicCheckinStore); ok {
		s.atomic = a
	}
	return s
}

// Scan decodes a scanned payload and checks the user in to its event.
func (s *Service) Scan(ctx context.Context, raw, email string) (*Outcome, error) {
	eventID, err := payload.Decode(raw)
	if err != nil {
		s.metrics.CheckinOutcome(string(KindDecode))
		return nil, &Error{Kind: KindDecode, Message: ErrMalformedPayload.Message, Err: err}
	}
	return s.CheckIn(ctx, Request{EventID: eventID, Email: email})
}

// CheckIn awards AwardPoints to the user for the event unless the user has
// already checked in to it, in which case the outcome reports the current
// balance and nothing changes. Validation and lookup failures have no side
// effects.
func (s *Service) CheckIn(ctx context.Context, req Request) (*Outcome, error) {
	out, err := s.checkIn(ctx, req)
	switch {
	case err != nil:
		s.metrics.CheckinOutcome(string(KindOf(err)))
	case out.AlreadyCheckedIn:
		s.metrics.CheckinOutcome(string(KindConflict))
	default:
		s.metrics.CheckinOutcome("success")
	}
	return out, err
}

func (s *Service) checkIn(ctx context.Context, req Request) (*Outcome, error) {
	if req.EventID <= 0 {
		return nil, validationError("event id must be a positive integer")
	}
	if err := validateEmail(req.Email); err != nil {
		return nil, err
	}

	event, err := s.catalog.FindByID(ctx, req.EventID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, &Error{Kind: KindNotFound, Message: "event not found"}
	}
	if err != nil {
		return nil, storageError(err)
	}

	user, err := s.directory.FindOrCreate(ctx, req.Email)
	if err != nil {
		return nil, err
	}

	if s.atomic != nil {
		return s.checkInAtomic(ctx, event, user)
	}

	rec, err := s.ledger.Record(ctx, user.ID, event.ID, event.Title, AwardPoints)
	if errors.Is(err, ErrAlreadyCheckedIn) {
		return s.alreadyCheckedIn(ctx, event, user)
	}
	if err != nil {
		return nil, err
	}

	balance, err := s.accumulator.Credit(ctx, user.ID, rec.ID, rec.PointsAwarded)
	if err != nil {
		// The record stands; the next check-in attempt or account read for
		// this user replays the credit from the ledger.
		s.metrics.CreditFailed()
		s.logger.Warn("credit pending repair",
			"user_id", user.ID, "event_id", event.ID, "checkin_id", rec.ID, "error", err)
		return nil, err
	}

	s.logger.Info("checkin recorded",
		"user_id", user.ID, "event_id", event.ID, "checkin_id", rec.ID, "total_points", balance)
	return success(event, user, rec.PointsAwarded, balance), nil
}

func (s *Service) checkInAtomic(ctx context.Context, event *models.Event, user *models.User) (*Outcome, error) {
	rec, balance, created, err := s.atomic.CreateCheckinAndCredit(ctx,
		s.ledger.newRecord(user.ID, event.ID, event.Title, AwardPoints))
	if err != nil {
		return nil, storageError(err)
	}
	if !created {
		s.logger.Info("checkin conflict", "user_id", user.ID, "event_id", event.ID)
		return conflict(event, user, balance), nil
	}
	s.logger.Info("checkin recorded",
		"user_id", user.ID, "event_id", event.ID, "checkin_id", rec.ID, "total_points", balance)
	return success(event, user, rec.PointsAwarded, balance), nil
}

// alreadyCheckedIn finishes any credit an earlier attempt left pending before
// reporting the balance.
func (s *Service) alreadyCheckedIn(ctx context.Context, event *models.Event, user *models.User) (*Outcome, error) {
	balance, repaired, err := s.accumulator.Reconcile(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if repaired > 0 {
		s.metrics.CreditRepaired(repaired)
		s.logger.Info("credit repaired", "user_id", user.ID, "event_id", event.ID, "repaired", repaired)
	}
	s.logger.Info("checkin conflict", "user_id", user.ID, "event_id", event.ID)
	return conflict(event, user, balance), nil
}

func success(event *models.Event, user *models.User, earned, balance int64) *Outcome {
	u := *user
	u.Points = balance
	return &Outcome{PointsEarned: earned, TotalPoints: balance, Event: *event, User: u}
}

func conflict(event *models.Event, user *models.User, balance int64) *Outcome {
	u := *user
	u.Points = balance
	return &Outcome{AlreadyCheckedIn: true, TotalPoints: balance, Event: *event, User: u}
}

// Account returns the user for email with a reconciled balance and full
// check-in history. Unknown emails are not created.
func (s *Service) Account(ctx context.Context, email string) (*Account, error) {
	user, err := s.directory.Get(ctx, email)
	if err != nil {
		return nil, err
	}
	balance, repaired, err := s.accumulator.Reconcile(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if repaired > 0 {
		s.metrics.CreditRepaired(repaired)
		s.logger.Info("credit repaired", "user_id", user.ID, "repaired", repaired)
	}
	history, err := s.ledger.History(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	user.Points = balance
	return &Account{User: *user, Checkins: history}, nil
}

// ReconcileAll replays missing credits for every user, at most parallelism
// users at a time. It returns the number of credits applied.
func (s *Service) ReconcileAll(ctx context.Context, parallelism int) (int, error) {
	users, err := s.directory.users.ListUsers(ctx)
	if err != nil {
		return 0, storageError(err)
	}
	if parallelism <= 0 {
		parallelism = 4
	}

	var total atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, u := range users {
		g.Go(func() error {
			_, repaired, err := s.accumulator.Reconcile(ctx, u.ID)
			if err != nil {
				return err
			}
			if repaired > 0 {
				total.Add(int64(repaired))
				s.logger.Info("credit repaired", "user_id", u.ID, "repaired", repaired)
			}
			return nil
		})
	}
	err = g.Wait()
	n := int(total.Load())
	s.metrics.CreditRepaired(n)
	return n, err
}

// Event resolves an event from the catalog.
func (s *Service) Event(ctx context.Context, id int64) (*models.Event, error) {
	if id <= 0 {
		return nil, validationError("event id must be a positive integer")
	}
	event, err := s.catalog.FindByID(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, &Error{Kind: KindNotFound, Message: "event not found"}
	}
	if err != nil {
		return nil, storageError(err)
	}
	return event, nil
}

// Events lists the catalog.
func (s *Service) Events(ctx context.Context) ([]models.Event, error) {
	events, err := s.catalog.List(ctx)
	if err != nil {
		return nil, storageError(err)
	}
	return events, nil
}
