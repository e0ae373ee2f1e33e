package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresTransport exchanges requests and responses through two tables the
// generator also connects to. TryFetch is a point read on the session ID, so
// the poll schedule's worst case is bounded by index lookups, not scans.
type PostgresTransport struct {
	pool *pgxpool.Pool
}

func NewPostgresTransport(pool *pgxpool.Pool) *PostgresTransport {
	return &PostgresTransport{pool: pool}
}

// EnsureSchema creates the exchange tables if they do not exist.
func (t *PostgresTransport) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS script_requests (
	session_id  TEXT PRIMARY KEY,
	instruction TEXT NOT NULL,
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS script_responses (
	session_id TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'ok',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`
	if _, err := t.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure session schema: %w", err)
	}
	return nil
}

func (t *PostgresTransport) Submit(ctx context.Context, req *Request) error {
	metadata, err := json.Marshal(req.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = t.pool.Exec(ctx,
		`INSERT INTO script_requests (session_id, instruction, metadata, created_at)
		 VALUES ($1, $2, $3, $4)`,
		req.SessionID, req.Instruction, metadata, req.Timestamp)
	if err != nil {
		return fmt.Errorf("submit request: %w", err)
	}
	return nil
}

func (t *PostgresTransport) TryFetch(ctx context.Context, sessionID string) (*Envelope, error) {
	var (
		payload   string
		status    string
		createdAt time.Time
	)

	err := t.pool.QueryRow(ctx,
		`SELECT payload, status, created_at FROM script_responses WHERE session_id = $1`,
		sessionID).Scan(&payload, &status, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // not ready yet
	}
	if err != nil {
		return nil, fmt.Errorf("fetch response: %w", err)
	}

	return &Envelope{
		SessionID: sessionID,
		Timestamp: createdAt,
		Payload:   payload,
		Status:    status,
	}, nil
}
