package accesslog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const auditSchemaVersion = 1

const auditSchema = `
CREATE TABLE IF NOT EXISTS requests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_time TIMESTAMP NOT NULL,
    request_id TEXT,
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    protocol TEXT,
    authority TEXT,
    response_code INTEGER NOT NULL,
    response_flags TEXT,
    bytes_received INTEGER,
    bytes_sent INTEGER,
    duration_ms INTEGER,
    upstream_host TEXT,
    upstream_service_time TEXT,
    forwarded_for TEXT,
    user_agent TEXT
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requests_request_time ON requests(request_time);
CREATE INDEX IF NOT EXISTS idx_requests_request_id ON requests(request_id);
CREATE INDEX IF NOT EXISTS idx_requests_response_code ON requests(response_code);
`

const insertAuditSchemaVersion = `
INSERT INTO schema_version (version, applied_at)
VALUES (?, datetime('now'))
ON CONFLICT(version) DO NOTHING;
`

const getAuditSchemaVersion = `
SELECT version FROM schema_version ORDER BY version DESC LIMIT 1;
`

// AuditStore persists request records to a SQLite database. All writes come
// from the sink's flush goroutine, so a single connection suffices.
type AuditStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewAuditStore opens (or creates) the database at path and prepares the
// schema. WAL mode keeps the pruner's deletes from blocking the writer.
func NewAuditStore(path string, log *slog.Logger) (*AuditStore, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit store %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &AuditStore{db: db, logger: log.With("component", "accesslog.audit")}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("audit store initialized", "path", path)
	return s, nil
}

func (s *AuditStore) initialize() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := s.db.Exec(auditSchema); err != nil {
		return fmt.Errorf("creating audit schema: %w", err)
	}
	if _, err := s.db.Exec(insertAuditSchemaVersion, auditSchemaVersion); err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	var version int
	if err := s.db.QueryRow(getAuditSchemaVersion).Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version != auditSchemaVersion {
		return fmt.Errorf("audit schema version mismatch: expected %d, got %d", auditSchemaVersion, version)
	}
	return nil
}

// Record inserts one request record.
func (s *AuditStore) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (
			request_time, request_id, method, path, protocol, authority,
			response_code, response_flags, bytes_received, bytes_sent,
			duration_ms, upstream_host, upstream_service_time, forwarded_for, user_agent
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Time, e.RequestID, e.Method, e.Path, e.Protocol, e.Authority,
		e.ResponseCode, e.Flags.ShortString(), e.BytesReceived, e.BytesSent,
		e.Duration.Milliseconds(), e.UpstreamHost, e.UpstreamServiceTime,
		e.ForwardedFor, e.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("recording audit entry: %w", err)
	}
	return nil
}

// Count returns the total number of stored records.
func (s *AuditStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM requests").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting audit records: %w", err)
	}
	return n, nil
}

// DeleteBefore removes records older than cutoff and returns how many went.
func (s *AuditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM requests WHERE request_time < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting audit records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting audit records: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *AuditStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing audit store: %w", err)
	}
	return nil
}
