package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arkantrust/ikoot-checkin/backend/models"
)

// PostgresStore implements Store on PostgreSQL. Unique constraints on
// users.email and checkins(user_id, event_id) make the creates race-free across
// any number of processes; balances move only through points = points + $n.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ Store              = (*PostgresStore)(nil)
	_ AtomicCheckinStore = (*PostgresStore)(nil)
)

// NewPostgres wraps an existing pool. The schema must already be migrated.
func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects to dsn and pings the server.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgres(pool), nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the connection; used by the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const (
	pgUserColumns    = `id, email, name, points, created_at, updated_at`
	pgCheckinColumns = `id, user_id, event_id, event_title, points_awarded, checked_in_at`
)

func scanPgUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Points, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func scanPgCheckin(row pgx.Row) (*models.CheckinRecord, error) {
	var rec models.CheckinRecord
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.EventID, &rec.EventTitle, &rec.PointsAwarded, &rec.CheckedInAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// CreateUserIfAbsent relies on ON CONFLICT (email): the losing insert returns
// no row and the follow-up select sees the committed winner.
func (s *PostgresStore) CreateUserIfAbsent(ctx context.Context, u *models.User) (*models.User, bool, error) {
	const insert = `INSERT INTO users (` + pgUserColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email) DO NOTHING
		RETURNING ` + pgUserColumns
	stored, err := scanPgUser(s.pool.QueryRow(ctx, insert, u.ID, u.Email, u.Name, u.Points, u.CreatedAt, u.UpdatedAt))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("create user: %w", err)
	}
	stored, err = s.GetUserByEmail(ctx, u.Email)
	if err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}
	return stored, false, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	const query = `SELECT ` + pgUserColumns + ` FROM users WHERE email = $1`
	return scanPgUser(s.pool.QueryRow(ctx, query, email))
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	const query = `SELECT ` + pgUserColumns + ` FROM users WHERE id = $1`
	return scanPgUser(s.pool.QueryRow(ctx, query, id))
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]models.User, error) {
	const query = `SELECT ` + pgUserColumns + ` FROM users ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]models.User, 0)
	for rows.Next() {
		u, err := scanPgUser(rows)
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) HasCheckin(ctx context.Context, userID string, eventID int64) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM checkins WHERE user_id = $1 AND event_id = $2)`
	var found bool
	if err := s.pool.QueryRow(ctx, query, userID, eventID).Scan(&found); err != nil {
		return false, fmt.Errorf("has checkin: %w", err)
	}
	return found, nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgInsertCheckin(ctx context.Context, q pgQuerier, rec *models.CheckinRecord) (*models.CheckinRecord, bool, error) {
	const insert = `INSERT INTO checkins (` + pgCheckinColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, event_id) DO NOTHING
		RETURNING ` + pgCheckinColumns
	stored, err := scanPgCheckin(q.QueryRow(ctx, insert, rec.ID, rec.UserID, rec.EventID, rec.EventTitle, rec.PointsAwarded, rec.CheckedInAt))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	const query = `SELECT ` + pgCheckinColumns + ` FROM checkins WHERE user_id = $1 AND event_id = $2`
	stored, err = scanPgCheckin(q.QueryRow(ctx, query, rec.UserID, rec.EventID))
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (s *PostgresStore) CreateCheckinIfAbsent(ctx context.Context, rec *models.CheckinRecord) (*models.CheckinRecord, bool, error) {
	stored, created, err := pgInsertCheckin(ctx, s.pool, rec)
	if err != nil {
		return nil, false, fmt.Errorf("create checkin: %w", err)
	}
	return stored, created, nil
}

// CreateCheckinAndCredit inserts the record and its credit in one transaction.
func (s *PostgresStore) CreateCheckinAndCredit(ctx context.Context, rec *models.CheckinRecord) (*models.CheckinRecord, int64, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, 0, false, fmt.Errorf("create checkin: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	stored, created, err := pgInsertCheckin(ctx, tx, rec)
	if err != nil {
		return nil, 0, false, fmt.Errorf("create checkin: %w", err)
	}
	var balance int64
	if created {
		balance, _, err = pgApplyCredit(ctx, tx, models.Credit{
			CheckinID: rec.ID,
			UserID:    rec.UserID,
			Amount:    rec.PointsAwarded,
			AppliedAt: rec.CheckedInAt,
		})
	} else {
		err = tx.QueryRow(ctx, `SELECT points FROM users WHERE id = $1`, rec.UserID).Scan(&balance)
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("create checkin: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, 0, false, fmt.Errorf("create checkin: commit: %w", err)
	}
	return stored, balance, created, nil
}

func (s *PostgresStore) GetCheckin(ctx context.Context, userID string, eventID int64) (*models.CheckinRecord, error) {
	const query = `SELECT ` + pgCheckinColumns + ` FROM checkins WHERE user_id = $1 AND event_id = $2`
	return scanPgCheckin(s.pool.QueryRow(ctx, query, userID, eventID))
}

// ListCheckins returns the user's records, oldest first.
func (s *PostgresStore) ListCheckins(ctx context.Context, userID string) ([]models.CheckinRecord, error) {
	const query = `SELECT ` + pgCheckinColumns + ` FROM checkins WHERE user_id = $1 ORDER BY checked_in_at, id`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list checkins: %w", err)
	}
	defer rows.Close()

	records := make([]models.CheckinRecord, 0)
	for rows.Next() {
		rec, err := scanPgCheckin(rows)
		if err != nil {
			return nil, fmt.Errorf("list checkins: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// ApplyCredit locks the user row, records the credit and increments points.
// A credit already recorded for the check-in is a no-op.
func (s *PostgresStore) ApplyCredit(ctx context.Context, c models.Credit) (int64, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("apply credit: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, applied, err := pgApplyCredit(ctx, tx, c)
	if err != nil {
		return 0, false, fmt.Errorf("apply credit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("apply credit: commit: %w", err)
	}
	return balance, applied, nil
}

func pgApplyCredit(ctx context.Context, tx pgx.Tx, c models.Credit) (int64, bool, error) {
	var balance int64
	// Row lock serializes concurrent credits for the same user.
	err := tx.QueryRow(ctx, `SELECT points FROM users WHERE id = $1 FOR UPDATE`, c.UserID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}

	tag, err := tx.Exec(ctx, `INSERT INTO credits (checkin_id, user_id, amount, applied_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (checkin_id) DO NOTHING`, c.CheckinID, c.UserID, c.Amount, c.AppliedAt)
	if err != nil {
		return 0, false, err
	}
	if tag.RowsAffected() == 0 {
		return balance, false, nil
	}

	err = tx.QueryRow(ctx, `UPDATE users SET points = points + $2, updated_at = $3
		WHERE id = $1
		RETURNING points`, c.UserID, c.Amount, c.AppliedAt).Scan(&balance)
	if err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

func (s *PostgresStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `SELECT points FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return balance, err
}
