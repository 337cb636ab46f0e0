package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vinayprograms/mcpbus/mcp"
)

const schema = `CREATE TABLE IF NOT EXISTS mcp_messages (
	id           TEXT PRIMARY KEY,
	message_type TEXT NOT NULL,
	source       TEXT NOT NULL,
	target       TEXT NOT NULL,
	session_id   TEXT NOT NULL DEFAULT '',
	priority     TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	processed    BOOLEAN NOT NULL DEFAULT FALSE,
	payload      JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS mcp_messages_pending_idx ON mcp_messages (processed, created_at);`

// PostgresStore persists messages in a Postgres table through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing pool. Call Migrate once before use.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects to dsn and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the table and index if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Save upserts the message.
func (s *PostgresStore) Save(ctx context.Context, m *mcp.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	h := m.Header
	_, err = s.pool.Exec(ctx, `
		INSERT INTO mcp_messages (id, message_type, source, target, session_id, priority, created_at, processed, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, processed = FALSE`,
		h.MessageID, string(h.MessageType), h.Source, h.Target, h.SessionID, string(h.Priority), h.Timestamp, payload)
	if err != nil {
		return fmt.Errorf("save %s: %w", h.MessageID, err)
	}
	return nil
}

// Load reads a message.
func (s *PostgresStore) Load(ctx context.Context, id string) (*mcp.Message, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM mcp_messages WHERE id = $1`, id).Scan(&payload)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	return mcp.Decode(payload)
}

// Delete removes a message.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM mcp_messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// Query filters in SQL and returns messages oldest first.
func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]*mcp.Message, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !f.IncludeProcessed {
		where = append(where, "processed = FALSE")
	}
	if f.Source != "" {
		where = append(where, "source = "+arg(f.Source))
	}
	if f.Target != "" {
		where = append(where, "target = "+arg(f.Target))
	}
	if f.SessionID != "" {
		where = append(where, "session_id = "+arg(f.SessionID))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		where = append(where, "message_type = ANY("+arg(types)+")")
	}

	q := "SELECT payload FROM mcp_messages"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []*mcp.Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		m, err := mcp.Decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkProcessed flags the row as processed.
func (s *PostgresStore) MarkProcessed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE mcp_messages SET processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
