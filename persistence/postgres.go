package persistence

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore is a Postgres-backed reference Store implementation.
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore opens (and migrates) a Postgres-backed Store using the
// given "postgres://" connection string.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	s := &PostgresStore{sqlStore: &sqlStore{db: db, placeholder: func(n int) string { return fmt.Sprintf("$%d", n) }}}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres store: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
