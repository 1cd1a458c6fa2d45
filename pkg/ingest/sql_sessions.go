package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLSessionStore implements SessionStore using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLSessionStore struct {
	db *sql.DB
}

// NewSQLSessionStore wraps an open database handle.
func NewSQLSessionStore(db *sql.DB) *SQLSessionStore {
	return &SQLSessionStore{db: db}
}

const sessionSchema = `
CREATE TABLE IF NOT EXISTS ingest_sessions (
	session_id TEXT PRIMARY KEY,
	declared_total_chunks INTEGER NOT NULL,
	declared_total_bytes BIGINT NOT NULL DEFAULT 0,
	source_descriptor TEXT NOT NULL,
	opener_actor TEXT NOT NULL,
	state TEXT NOT NULL,
	artifact_id TEXT NOT NULL DEFAULT '',
	canonical_hash TEXT NOT NULL DEFAULT '',
	deduped INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	opened_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	closed_at TEXT NOT NULL DEFAULT ''
);
`

// Init creates the schema.
func (s *SQLSessionStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sessionSchema); err != nil {
		return fmt.Errorf("session schema init failed: %w", err)
	}
	return nil
}

func (s *SQLSessionStore) Create(ctx context.Context, sess Session) error {
	query := `
		INSERT INTO ingest_sessions (session_id, declared_total_chunks, declared_total_bytes,
			source_descriptor, opener_actor, state, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.SessionID, sess.DeclaredTotalChunks, sess.DeclaredTotalBytes,
		sess.SourceDescriptor, sess.OpenerActor, string(sess.State),
		formatTime(sess.OpenedAt), formatTime(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("session insert failed: %w", err)
	}
	return nil
}

func (s *SQLSessionStore) Get(ctx context.Context, sessionID string) (Session, error) {
	query := selectSessionColumns + ` WHERE session_id = $1`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return sess, nil
}

// Transition performs the conditional state write, then re-reads the row.
// The WHERE state = from clause is what serializes concurrent transitions.
func (s *SQLSessionStore) Transition(ctx context.Context, sessionID string, from, to State, update func(*Session)) (Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.State != from {
		return Session{}, ErrStaleState
	}
	sess.State = to
	if update != nil {
		update(&sess)
	}

	query := `
		UPDATE ingest_sessions
		SET state = $1, artifact_id = $2, canonical_hash = $3, deduped = $4,
			last_error = $5, updated_at = $6, closed_at = $7
		WHERE session_id = $8 AND state = $9
	`
	deduped := 0
	if sess.Deduped {
		deduped = 1
	}
	res, err := s.db.ExecContext(ctx, query,
		string(to), sess.ArtifactID, sess.CanonicalHash, deduped,
		sess.LastError, formatTime(sess.UpdatedAt), formatTime(sess.ClosedAt),
		sessionID, string(from),
	)
	if err != nil {
		return Session{}, fmt.Errorf("session transition failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Session{}, fmt.Errorf("session transition rows affected: %w", err)
	}
	if rows == 0 {
		return Session{}, ErrStaleState
	}
	return sess, nil
}

func (s *SQLSessionStore) Touch(ctx context.Context, sessionID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_sessions SET updated_at = $1 WHERE session_id = $2`,
		formatTime(now), sessionID)
	if err != nil {
		return fmt.Errorf("session touch failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLSessionStore) ListIdleOpen(ctx context.Context, cutoff time.Time) ([]Session, error) {
	query := selectSessionColumns + ` WHERE state = $1 AND updated_at < $2`
	rows, err := s.db.QueryContext(ctx, query, string(StateOpen), formatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

const selectSessionColumns = `
	SELECT session_id, declared_total_chunks, declared_total_bytes, source_descriptor,
		opener_actor, state, artifact_id, canonical_hash, deduped, last_error,
		opened_at, updated_at, closed_at
	FROM ingest_sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (Session, error) {
	var sess Session
	var state, openedAt, updatedAt, closedAt string
	var deduped int
	err := r.Scan(&sess.SessionID, &sess.DeclaredTotalChunks, &sess.DeclaredTotalBytes,
		&sess.SourceDescriptor, &sess.OpenerActor, &state, &sess.ArtifactID,
		&sess.CanonicalHash, &deduped, &sess.LastError, &openedAt, &updatedAt, &closedAt)
	if err != nil {
		return Session{}, err
	}
	sess.State = State(state)
	sess.Deduped = deduped != 0
	sess.OpenedAt = parseTime(openedAt)
	sess.UpdatedAt = parseTime(updatedAt)
	sess.ClosedAt = parseTime(closedAt)
	return sess, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
