package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kadirpekel/atlas/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	user_email TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	messages TEXT NOT NULL
)`

// sqlStore is a database/sql-backed Store shared by the SQLite and
// Postgres reference backends; both bootstrap the same schema and only
// the placeholder style differs between them.
type sqlStore struct {
	db         *sql.DB
	placeholder func(n int) string
}

func (s *sqlStore) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *sqlStore) ph(n int) string { return s.placeholder(n) }

func (s *sqlStore) Save(ctx context.Context, conv Conversation) (string, error) {
	if conv.ID == "" {
		conv.ID = session.NewID()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	data, err := json.Marshal(conv.Messages)
	if err != nil {
		return "", fmt.Errorf("marshal conversation messages: %w", err)
	}

	query := fmt.Sprintf(
		"INSERT INTO conversations (id, user_email, created_at, messages) VALUES (%s, %s, %s, %s) ON CONFLICT (id) DO UPDATE SET messages = excluded.messages",
		s.ph(1), s.ph(2), s.ph(3), s.ph(4),
	)
	if _, err := s.db.ExecContext(ctx, query, conv.ID, conv.UserEmail, conv.CreatedAt, string(data)); err != nil {
		return "", fmt.Errorf("save conversation: %w", err)
	}
	return conv.ID, nil
}

func (s *sqlStore) Load(ctx context.Context, id, userEmail string) (*Conversation, error) {
	query := fmt.Sprintf("SELECT id, user_email, created_at, messages FROM conversations WHERE id = %s AND user_email = %s", s.ph(1), s.ph(2))
	row := s.db.QueryRowContext(ctx, query, id, userEmail)

	var conv Conversation
	var data string
	if err := row.Scan(&conv.ID, &conv.UserEmail, &conv.CreatedAt, &data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(data), &conv.Messages); err != nil {
		return nil, fmt.Errorf("decode conversation messages: %w", err)
	}
	return &conv, nil
}

func (s *sqlStore) List(ctx context.Context, userEmail string) ([]Summary, error) {
	query := fmt.Sprintf("SELECT id, created_at FROM conversations WHERE user_email = %s ORDER BY created_at DESC", s.ph(1))
	rows, err := s.db.QueryContext(ctx, query, userEmail)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *sqlStore) Delete(ctx context.Context, id, userEmail string) (bool, error) {
	query := fmt.Sprintf("DELETE FROM conversations WHERE id = %s AND user_email = %s", s.ph(1), s.ph(2))
	res, err := s.db.ExecContext(ctx, query, id, userEmail)
	if err != nil {
		return false, fmt.Errorf("delete conversation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *sqlStore) ExportAll(ctx context.Context, userEmail string) ([]Conversation, error) {
	query := fmt.Sprintf("SELECT id, user_email, created_at, messages FROM conversations WHERE user_email = %s ORDER BY created_at ASC", s.ph(1))
	rows, err := s.db.QueryContext(ctx, query, userEmail)
	if err != nil {
		return nil, fmt.Errorf("export conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var conv Conversation
		var data string
		if err := rows.Scan(&conv.ID, &conv.UserEmail, &conv.CreatedAt, &data); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &conv.Messages); err != nil {
			return nil, fmt.Errorf("decode conversation messages: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

var _ Store = (*sqlStore)(nil)
