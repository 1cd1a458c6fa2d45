package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id TEXT PRIMARY KEY,
	canonical_hash TEXT NOT NULL UNIQUE,
	secondary_hash TEXT NOT NULL,
	byte_length BIGINT NOT NULL,
	mime_hint TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	sealed INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS ledger_events (
	artifact_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	kind TEXT NOT NULL,
	actor TEXT NOT NULL,
	ts TEXT NOT NULL,
	payload TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	self_hash TEXT NOT NULL,
	PRIMARY KEY (artifact_id, seq)
);
`

// Init creates the schema. The ledger_events table has no UPDATE or DELETE
// statement anywhere in this package.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(ledgerSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger schema init failed: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) CreateArtifact(ctx context.Context, a Artifact) error {
	query := `
		INSERT INTO artifacts (artifact_id, canonical_hash, secondary_hash, byte_length, mime_hint, created_at, sealed)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ArtifactID, a.CanonicalHash, a.SecondaryHash, a.ByteLength, a.MimeHint,
		a.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateHash
		}
		return fmt.Errorf("artifact insert failed: %w", err)
	}
	return nil
}

func (s *SQLStore) GetArtifact(ctx context.Context, artifactID string) (Artifact, error) {
	query := `SELECT artifact_id, canonical_hash, secondary_hash, byte_length, mime_hint, created_at, sealed
		FROM artifacts WHERE artifact_id = $1`
	return s.scanArtifact(s.db.QueryRowContext(ctx, query, artifactID))
}

func (s *SQLStore) GetArtifactByHash(ctx context.Context, canonicalHash string) (Artifact, error) {
	query := `SELECT artifact_id, canonical_hash, secondary_hash, byte_length, mime_hint, created_at, sealed
		FROM artifacts WHERE canonical_hash = $1`
	return s.scanArtifact(s.db.QueryRowContext(ctx, query, canonicalHash))
}

func (s *SQLStore) scanArtifact(row *sql.Row) (Artifact, error) {
	var a Artifact
	var createdAt string
	var sealed int
	err := row.Scan(&a.ArtifactID, &a.CanonicalHash, &a.SecondaryHash, &a.ByteLength, &a.MimeHint, &createdAt, &sealed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Artifact{}, ErrNotFound
		}
		return Artifact{}, err
	}
	a.CreatedAt = parseTime(createdAt)
	a.Sealed = sealed != 0
	return a, nil
}

func (s *SQLStore) SealArtifact(ctx context.Context, artifactID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE artifacts SET sealed = 1 WHERE artifact_id = $1`, artifactID)
	if err != nil {
		return fmt.Errorf("seal failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("seal rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) InsertEvent(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("payload marshal failed: %w", err)
	}
	query := `
		INSERT INTO ledger_events (artifact_id, seq, kind, actor, ts, payload, prev_hash, self_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, query,
		ev.ArtifactID, ev.Seq, string(ev.Kind), ev.Actor,
		ev.Timestamp.UTC().Format(time.RFC3339Nano), string(payload),
		ev.PrevHash, ev.SelfHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSeqTaken
		}
		return fmt.Errorf("event insert failed: %w", err)
	}
	return nil
}

func (s *SQLStore) Tail(ctx context.Context, artifactID string) (*Event, error) {
	query := `SELECT artifact_id, seq, kind, actor, ts, payload, prev_hash, self_hash
		FROM ledger_events WHERE artifact_id = $1 ORDER BY seq DESC LIMIT 1`
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, artifactID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &ev, nil
}

func (s *SQLStore) History(ctx context.Context, artifactID string, fn func(Event) error) error {
	query := `SELECT artifact_id, seq, kind, actor, ts, payload, prev_hash, self_hash
		FROM ledger_events WHERE artifact_id = $1 ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query, artifactID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		ev, err := scanEventRows(rows)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLStore) ListArtifactIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT artifact_id FROM artifacts ORDER BY artifact_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row *sql.Row) (Event, error)       { return scanEventFrom(row) }
func scanEventRows(rows *sql.Rows) (Event, error) { return scanEventFrom(rows) }

func scanEventFrom(r rowScanner) (Event, error) {
	var ev Event
	var kind, ts, payload string
	if err := r.Scan(&ev.ArtifactID, &ev.Seq, &kind, &ev.Actor, &ts, &payload, &ev.PrevHash, &ev.SelfHash); err != nil {
		return Event{}, err
	}
	ev.Kind = Kind(kind)
	ev.Timestamp = parseTime(ts)
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return Event{}, fmt.Errorf("payload unmarshal failed: %w", err)
		}
	}
	return ev, nil
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

// isUniqueViolation matches constraint errors from both lib/pq (23505) and
// modernc sqlite without importing driver-specific error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "23505") ||
		strings.Contains(msg, "constraint failed")
}
