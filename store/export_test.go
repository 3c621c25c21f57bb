package store

import "context"

// Truncate empties every table of a test database.
func (s *PostgresStore) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE credits, checkins, users`)
	return err
}
