// Package session persists upload outcomes and server identifier aliases in
// a local SQLite database, so history and identity survive app restarts.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"meeting-uploader/internal/domain"
)

// schema contains the complete DDL for the session database.
const schema = `
-- Server identifier aliases: jobId -> canonical service id.
-- The first recorded mapping for a job wins; later writes are ignored.
CREATE TABLE IF NOT EXISTS aliases (
    job_id     TEXT PRIMARY KEY,
    server_id  TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_aliases_server ON aliases(server_id);

-- Upload journal: one row per registered upload.
CREATE TABLE IF NOT EXISTS journal (
    job_id      TEXT PRIMARY KEY,
    file_name   TEXT NOT NULL,
    size_bytes  INTEGER NOT NULL,
    fingerprint TEXT NOT NULL DEFAULT '',
    source      TEXT NOT NULL,
    state       TEXT NOT NULL,
    last_error  TEXT NOT NULL DEFAULT '',
    server_id   TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_fingerprint ON journal(fingerprint) WHERE fingerprint != '';
CREATE INDEX IF NOT EXISTS idx_journal_created ON journal(created_at DESC);
`

// Store is the session database handle.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the session database at path, applies pragmas and
// the schema, and verifies connectivity.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply session schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping session database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAlias records the service identifier assigned to a job. The first
// recorded mapping wins: re-registrations of the same job cannot repoint an
// identity that history rows may already reference.
func (s *Store) SaveAlias(ctx context.Context, jobID, serverID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO aliases (job_id, server_id, created_at)
		VALUES (?,?,?)`,
		jobID, serverID, time.Now().UnixMilli(),
	)
	return err
}

// Resolve returns the canonical service identifier for a job, or "" when no
// alias was recorded.
func (s *Store) Resolve(ctx context.Context, jobID string) (string, error) {
	var serverID string
	err := s.db.QueryRowContext(ctx, `
		SELECT server_id FROM aliases WHERE job_id = ?`, jobID).Scan(&serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return serverID, nil
}

// ResolveReverse returns the local job identifier behind a service
// identifier, or "" when the service id is unknown.
func (s *Store) ResolveReverse(ctx context.Context, serverID string) (string, error) {
	var jobID string
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id FROM aliases WHERE server_id = ? ORDER BY created_at, job_id LIMIT 1`, serverID).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// RecordUpload inserts a journal row for a newly registered upload.
func (s *Store) RecordUpload(ctx context.Context, entry domain.HistoryEntry) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal (job_id, file_name, size_bytes, fingerprint, source, state, last_error, server_id, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(job_id) DO UPDATE SET
			state      = excluded.state,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		entry.JobID, entry.FileName, entry.SizeBytes, entry.Fingerprint,
		string(entry.Source), string(entry.State), entry.LastError, entry.ServerID,
		now, now,
	)
	return err
}

// SetUploadState updates the journal row for a job after a state change.
func (s *Store) SetUploadState(ctx context.Context, jobID string, state domain.UploadState, lastError, serverID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE journal SET state=?, last_error=?, server_id=?, updated_at=?
		WHERE job_id=?`,
		string(state), lastError, serverID, time.Now().UnixMilli(), jobID,
	)
	return err
}

// SeenFingerprint reports whether any journal row carries the fingerprint.
// The folder watcher uses this to skip recordings uploaded in past sessions.
func (s *Store) SeenFingerprint(ctx context.Context, fingerprint string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM journal WHERE fingerprint = ? LIMIT 1`, fingerprint).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// History returns the most recent journal rows, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, file_name, size_bytes, fingerprint, source, state, last_error, server_id, created_at, updated_at
		FROM journal ORDER BY created_at DESC, job_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.HistoryEntry
	for rows.Next() {
		var entry domain.HistoryEntry
		var source, state string
		var createdAt, updatedAt int64
		if err := rows.Scan(
			&entry.JobID, &entry.FileName, &entry.SizeBytes, &entry.Fingerprint,
			&source, &state, &entry.LastError, &entry.ServerID,
			&createdAt, &updatedAt,
		); err != nil {
			return nil, err
		}
		entry.Source = domain.UploadSource(source)
		entry.State = domain.UploadState(state)
		entry.CreatedAt = time.UnixMilli(createdAt)
		entry.UpdatedAt = time.UnixMilli(updatedAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
