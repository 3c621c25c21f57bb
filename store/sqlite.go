package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arkantrust/ikoot-checkin/backend/models"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStore keeps the ledger in a SQLite file. Uniqueness of emails and of
// (user, event) pairs is enforced by the schema; writes go through a single
// connection so SQLite never sees two writers.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ Store              = (*SQLiteStore)(nil)
	_ AtomicCheckinStore = (*SQLiteStore)(nil)
)

// OpenSQLite creates or opens a SQLite database at path and applies the
// schema. Safe to call on an existing database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is still reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteUser(row rowScanner) (*models.User, error) {
	var (
		u                models.User
		created, updated string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Points, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if u.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &u, nil
}

func scanSQLiteCheckin(row rowScanner) (*models.CheckinRecord, error) {
	var (
		rec models.CheckinRecord
		at  string
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.EventID, &rec.EventTitle, &rec.PointsAwarded, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t, err := parseTime(at)
	if err != nil {
		return nil, err
	}
	rec.CheckedInAt = t
	return &rec, nil
}

const (
	sqliteUserColumns    = `id, email, name, points, created_at, updated_at`
	sqliteCheckinColumns = `id, user_id, event_id, event_title, points_awarded, checked_in_at`
)

// CreateUserIfAbsent inserts u with ON CONFLICT DO NOTHING and reads back
// the winner when the email was taken.
func (s *SQLiteStore) CreateUserIfAbsent(ctx context.Context, u *models.User) (*models.User, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create user: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO users (`+sqliteUserColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO NOTHING
	`, u.ID, u.Email, u.Name, u.Points, formatTime(u.CreatedAt), formatTime(u.UpdatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}

	stored, err := scanSQLiteUser(tx.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE email = ?`, u.Email))
	if err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("create user: commit: %w", err)
	}
	return stored, n == 1, nil
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE email = ?`, email))
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE id = ?`, id))
}

// ListUsers returns every user, oldest first.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteUserColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		u, err := scanSQLiteUser(rows)
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) HasCheckin(ctx context.Context, userID string, eventID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM checkins WHERE user_id = ? AND event_id = ?`, userID, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has checkin: %w", err)
	}
	return n > 0, nil
}

// CreateCheckinIfAbsent inserts rec unless the (user, event) pair exists.
func (s *SQLiteStore) CreateCheckinIfAbsent(ctx context.Context, rec *models.CheckinRecord) (*models.CheckinRecord, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create checkin: begin tx: %w", err)
	}
	defer tx.Rollback()

	stored, created, err := sqliteInsertCheckin(ctx, tx, rec)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("create checkin: commit: %w", err)
	}
	return stored, created, nil
}

// CreateCheckinAndCredit writes the record and its credit in one transaction.
func (s *SQLiteStore) CreateCheckinAndCredit(ctx context.Context, rec *models.CheckinRecord) (*models.CheckinRecord, int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, false, fmt.Errorf("create checkin: begin tx: %w", err)
	}
	defer tx.Rollback()

	stored, created, err := sqliteInsertCheckin(ctx, tx, rec)
	if err != nil {
		return nil, 0, false, err
	}
	var balance int64
	if created {
		balance, _, err = sqliteApplyCredit(ctx, tx, models.Credit{
			CheckinID: rec.ID,
			UserID:    rec.UserID,
			Amount:    rec.PointsAwarded,
			AppliedAt: rec.CheckedInAt,
		})
	} else {
		err = tx.QueryRowContext(ctx, `SELECT points FROM users WHERE id = ?`, rec.UserID).Scan(&balance)
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("create checkin: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, false, fmt.Errorf("create checkin: commit: %w", err)
	}
	return stored, balance, created, nil
}

func sqliteInsertCheckin(ctx context.Context, tx *sql.Tx, rec *models.CheckinRecord) (*models.CheckinRecord, bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO checkins (`+sqliteCheckinColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, event_id) DO NOTHING
	`, rec.ID, rec.UserID, rec.EventID, rec.EventTitle, rec.PointsAwarded, formatTime(rec.CheckedInAt))
	if err != nil {
		return nil, false, fmt.Errorf("create checkin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("create checkin: %w", err)
	}
	stored, err := scanSQLiteCheckin(tx.QueryRowContext(ctx,
		`SELECT `+sqliteCheckinColumns+` FROM checkins WHERE user_id = ? AND event_id = ?`, rec.UserID, rec.EventID))
	if err != nil {
		return nil, false, fmt.Errorf("create checkin: %w", err)
	}
	return stored, n == 1, nil
}

func (s *SQLiteStore) GetCheckin(ctx context.Context, userID string, eventID int64) (*models.CheckinRecord, error) {
	return scanSQLiteCheckin(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteCheckinColumns+` FROM checkins WHERE user_id = ? AND event_id = ?`, userID, eventID))
}

// ListCheckins returns the user's records, oldest first.
func (s *SQLiteStore) ListCheckins(ctx context.Context, userID string) ([]models.CheckinRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteCheckinColumns+` FROM checkins WHERE user_id = ? ORDER BY checked_in_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list checkins: %w", err)
	}
	defer rows.Close()

	records := []models.CheckinRecord{}
	for rows.Next() {
		rec, err := scanSQLiteCheckin(rows)
		if err != nil {
			return nil, fmt.Errorf("list checkins: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// ApplyCredit records the credit and bumps the balance in one transaction.
// A repeated check-in id leaves the balance untouched.
func (s *SQLiteStore) ApplyCredit(ctx context.Context, c models.Credit) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("apply credit: begin tx: %w", err)
	}
	defer tx.Rollback()

	balance, applied, err := sqliteApplyCredit(ctx, tx, c)
	if err != nil {
		return 0, false, fmt.Errorf("apply credit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("apply credit: commit: %w", err)
	}
	return balance, applied, nil
}

func sqliteApplyCredit(ctx context.Context, tx *sql.Tx, c models.Credit) (int64, bool, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `SELECT points FROM users WHERE id = ?`, c.UserID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO credits (checkin_id, user_id, amount, applied_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(checkin_id) DO NOTHING
	`, c.CheckinID, c.UserID, c.Amount, formatTime(c.AppliedAt))
	if err != nil {
		return 0, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return balance, false, nil
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE users SET points = points + ?, updated_at = ?
		WHERE id = ?
		RETURNING points
	`, c.Amount, formatTime(c.AppliedAt), c.UserID).Scan(&balance)
	if err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

func (s *SQLiteStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT points FROM users WHERE id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return balance, err
}
