package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/applyforge/applyforge/pkg/config"

	// Database drivers
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store over PostgreSQL or SQLite via database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect string // "postgres" or "sqlite"
}

var _ Store = (*SQLStore)(nil)

// sessionRow is the database schema for sessions.
type sessionRow struct {
	ID          string
	OwnerID     string
	SourceURL   string
	Stage       string
	Status      string
	Reason      string
	RetryCount  int
	LastRetryAt sql.NullTime
	DataJSON    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   sql.NullTime
}

const createSessionsSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    owner_id VARCHAR(255) NOT NULL,
    source_url TEXT NOT NULL,
    stage VARCHAR(50) NOT NULL,
    status VARCHAR(50) NOT NULL,
    reason TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_retry_at TIMESTAMP,
    data_json TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_owner_id ON sessions(owner_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
`

// NewSQLStore wraps an open database connection. The schema is created if
// it does not exist.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewSQLStoreFromConfig opens the configured database and verifies the
// connection before wrapping it.
func NewSQLStoreFromConfig(cfg config.DatabaseConfig) (*SQLStore, error) {
	// Config uses "sqlite" but the go-sqlite3 driver registers as "sqlite3".
	driverName := cfg.Dialect
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewSQLStore(db, cfg.Dialect)
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createSessionsSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func sessionToRow(sess *Session) (*sessionRow, error) {
	data, err := json.Marshal(sess.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize session data: %w", err)
	}

	row := &sessionRow{
		ID:         sess.ID,
		OwnerID:    sess.OwnerID,
		SourceURL:  sess.SourceURL,
		Stage:      string(sess.Stage),
		Status:     string(sess.Status),
		Reason:     sess.Reason,
		RetryCount: sess.RetryCount,
		DataJSON:   string(data),
		CreatedAt:  sess.CreatedAt,
		UpdatedAt:  sess.UpdatedAt,
	}
	if sess.LastRetryAt != nil {
		row.LastRetryAt = sql.NullTime{Time: *sess.LastRetryAt, Valid: true}
	}
	if sess.DeletedAt != nil {
		row.DeletedAt = sql.NullTime{Time: *sess.DeletedAt, Valid: true}
	}
	return row, nil
}

func rowToSession(row *sessionRow) (*Session, error) {
	sess := &Session{
		ID:         row.ID,
		OwnerID:    row.OwnerID,
		SourceURL:  row.SourceURL,
		Stage:      Stage(row.Stage),
		Status:     Status(row.Status),
		Reason:     row.Reason,
		RetryCount: row.RetryCount,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
	if row.LastRetryAt.Valid {
		t := row.LastRetryAt.Time
		sess.LastRetryAt = &t
	}
	if row.DeletedAt.Valid {
		t := row.DeletedAt.Time
		sess.DeletedAt = &t
	}
	if row.DataJSON != "" {
		sess.Data = &SessionData{}
		if err := json.Unmarshal([]byte(row.DataJSON), sess.Data); err != nil {
			return nil, fmt.Errorf("failed to deserialize session data: %w", err)
		}
	}
	return sess, nil
}

func (s *SQLStore) Create(ctx context.Context, sess *Session) error {
	row, err := sessionToRow(sess)
	if err != nil {
		return err
	}

	query := `
INSERT INTO sessions (id, owner_id, source_url, stage, status, reason, retry_count, last_retry_at, data_json, created_at, updated_at, deleted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	if s.dialect == "postgres" {
		query = `
INSERT INTO sessions (id, owner_id, source_url, stage, status, reason, retry_count, last_retry_at, data_json, created_at, updated_at, deleted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`
	}

	_, err = s.db.ExecContext(ctx, query,
		row.ID, row.OwnerID, row.SourceURL, row.Stage, row.Status, row.Reason,
		row.RetryCount, row.LastRetryAt, row.DataJSON,
		row.CreatedAt, row.UpdatedAt, row.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, sess *Session) error {
	row, err := sessionToRow(sess)
	if err != nil {
		return err
	}

	query := `
UPDATE sessions
SET stage = ?, status = ?, reason = ?, retry_count = ?, last_retry_at = ?, data_json = ?, updated_at = ?, deleted_at = ?
WHERE id = ?
`
	if s.dialect == "postgres" {
		query = `
UPDATE sessions
SET stage = $1, status = $2, reason = $3, retry_count = $4, last_retry_at = $5, data_json = $6, updated_at = $7, deleted_at = $8
WHERE id = $9
`
	}

	result, err := s.db.ExecContext(ctx, query,
		row.Stage, row.Status, row.Reason, row.RetryCount, row.LastRetryAt,
		row.DataJSON, row.UpdatedAt, row.DeletedAt, row.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

const selectColumns = `id, owner_id, source_url, stage, status, reason, retry_count, last_retry_at, data_json, created_at, updated_at, deleted_at`

func scanSession(scan func(dest ...any) error) (*Session, error) {
	var row sessionRow
	err := scan(
		&row.ID, &row.OwnerID, &row.SourceURL, &row.Stage, &row.Status,
		&row.Reason, &row.RetryCount, &row.LastRetryAt, &row.DataJSON,
		&row.CreatedAt, &row.UpdatedAt, &row.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return rowToSession(&row)
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + selectColumns + ` FROM sessions WHERE id = ?`
	if s.dialect == "postgres" {
		query = `SELECT ` + selectColumns + ` FROM sessions WHERE id = $1`
	}

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return sess, nil
}

func (s *SQLStore) ListByOwner(ctx context.Context, ownerID string) ([]*Session, error) {
	query := `SELECT ` + selectColumns + ` FROM sessions WHERE owner_id = ? AND deleted_at IS NULL ORDER BY created_at`
	if s.dialect == "postgres" {
		query = `SELECT ` + selectColumns + ` FROM sessions WHERE owner_id = $1 AND deleted_at IS NULL ORDER BY created_at`
	}

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLStore) SoftDelete(ctx context.Context, id string) error {
	now := time.Now().UTC()

	query := `UPDATE sessions SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`
	if s.dialect == "postgres" {
		query = `UPDATE sessions SET deleted_at = $1, updated_at = $2 WHERE id = $3 AND deleted_at IS NULL`
	}

	result, err := s.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
