package core

// audit.go records upload validation outcomes to Postgres. Auditing is
// optional: with no pool configured the service runs without it, and a
// failed insert never fails the upload it describes.

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEntry is one validation outcome. Result is "accepted" or "rejected";
// Kind and SecurityFlag carry the verdict detail for rejected uploads.
type AuditEntry struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	SizeBytes    int64     `json:"size_bytes"`
	Result       string    `json:"result"`
	DetectedType string    `json:"detected_type,omitempty"`
	Kind         string    `json:"kind,omitempty"`
	SecurityFlag string    `json:"security_flag,omitempty"`
	ClientIP     string    `json:"client_ip,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditLog persists validation outcomes to the upload_audit table.
type AuditLog struct {
	pool *pgxpool.Pool
}

// NewAuditLog wraps a pgx pool for audit writes.
func NewAuditLog(pool *pgxpool.Pool) *AuditLog {
	return &AuditLog{pool: pool}
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS upload_audit (
	id            UUID PRIMARY KEY,
	filename      TEXT NOT NULL,
	size_bytes    BIGINT NOT NULL,
	result        TEXT NOT NULL,
	detected_type TEXT NOT NULL DEFAULT '',
	kind          TEXT NOT NULL DEFAULT '',
	security_flag TEXT NOT NULL DEFAULT '',
	client_ip     TEXT NOT NULL DEFAULT '',
	user_agent    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// EnsureSchema creates the audit table if it does not exist.
func (a *AuditLog) EnsureSchema(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, auditSchema)
	return err
}

// Record inserts one audit entry. ID and CreatedAt are filled in if unset.
func (a *AuditLog) Record(ctx context.Context, entry AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := a.pool.Exec(ctx, `
		INSERT INTO upload_audit
			(id, filename, size_bytes, result, detected_type, kind, security_flag, client_ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID,
		entry.Filename,
		entry.SizeBytes,
		entry.Result,
		entry.DetectedType,
		entry.Kind,
		entry.SecurityFlag,
		entry.ClientIP,
		entry.UserAgent,
		entry.CreatedAt,
	)
	return err
}

// Recent returns the latest audit entries, newest first.
func (a *AuditLog) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.pool.Query(ctx, `
		SELECT id, filename, size_bytes, result, detected_type, kind, security_flag, client_ip, user_agent, created_at
		FROM upload_audit
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(
			&e.ID,
			&e.Filename,
			&e.SizeBytes,
			&e.Result,
			&e.DetectedType,
			&e.Kind,
			&e.SecurityFlag,
			&e.ClientIP,
			&e.UserAgent,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
