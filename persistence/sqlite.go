package persistence

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a file-backed reference Store implementation.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (and migrates) a SQLite-backed Store at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store %q: %w", path, err)
	}
	s := &SQLiteStore{sqlStore: &sqlStore{db: db, placeholder: func(int) string { return "?" }}}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store %q: %w", path, err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
