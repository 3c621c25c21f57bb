package store

import (
	"context"
	"sort"
	"sync"

	"github.com/arkantrust/ikoot-checkin/backend/models"
)

type pair struct {
	userID  string
	eventID int64
}

// Memory is a process-local Store for tests and single-process development.
// A mutex stands in for the serialization a durable backend provides.
type Memory struct {
	mu       sync.Mutex
	users    map[string]*models.User // by email
	emails   map[string]string       // id -> email
	checkins map[pair]models.CheckinRecord
	byUser   map[string][]pair
	credits  map[string]models.Credit // by checkin id
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]*models.User),
		emails:   make(map[string]string),
		checkins: make(map[pair]models.CheckinRecord),
		byUser:   make(map[string][]pair),
		credits:  make(map[string]models.Credit),
	}
}

var _ Store = (*Memory)(nil)

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// CreateUserIfAbsent stores a copy of u unless the email is taken.
func (m *Memory) CreateUserIfAbsent(ctx context.Context, u *models.User) (*models.User, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.users[u.Email]; ok {
		c := *existing
		return &c, false, nil
	}
	stored := *u
	m.users[u.Email] = &stored
	m.emails[u.ID] = u.Email
	c := stored
	return &c, true, nil
}

// GetUserByEmail returns a copy of the user for email.
func (m *Memory) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[email]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

// GetUser returns a copy of the user with id.
func (m *Memory) GetUser(ctx context.Context, id string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	email, ok := m.emails[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m.users[email]
	return &c, nil
}

// ListUsers returns copies of every user.
func (m *Memory) ListUsers(ctx context.Context) ([]models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) HasCheckin(ctx context.Context, userID string, eventID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.checkins[pair{userID, eventID}]
	return ok, nil
}

// CreateCheckinIfAbsent stores rec unless the pair is recorded.
func (m *Memory) CreateCheckinIfAbsent(ctx context.Context, rec *models.CheckinRecord) (*models.CheckinRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pair{rec.UserID, rec.EventID}
	if existing, ok := m.checkins[key]; ok {
		return &existing, false, nil
	}
	m.checkins[key] = *rec
	m.byUser[rec.UserID] = append(m.byUser[rec.UserID], key)
	stored := *rec
	return &stored, true, nil
}

func (m *Memory) GetCheckin(ctx context.Context, userID string, eventID int64) (*models.CheckinRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.checkins[pair{userID, eventID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// ListCheckins returns the user's records, oldest first.
func (m *Memory) ListCheckins(ctx context.Context, userID string) ([]models.CheckinRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.byUser[userID]
	out := make([]models.CheckinRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.checkins[k])
	}
	return out, nil
}

// ApplyCredit credits the user once per check-in id.
func (m *Memory) ApplyCredit(ctx context.Context, c models.Credit) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	email, ok := m.emails[c.UserID]
	if !ok {
		return 0, false, ErrNotFound
	}
	u := m.users[email]
	if _, done := m.credits[c.CheckinID]; done {
		return u.Points, false, nil
	}
	m.credits[c.CheckinID] = c
	u.Points += c.Amount
	u.UpdatedAt = c.AppliedAt
	return u.Points, true, nil
}

func (m *Memory) Balance(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	email, ok := m.emails[userID]
	if !ok {
		return 0, ErrNotFound
	}
	return m.users[email].Points, nil
}
