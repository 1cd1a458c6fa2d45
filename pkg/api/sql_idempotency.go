package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"
)

// SQLIdempotencyStore provides durable idempotency enforcement backed by
// the metadata database, surviving process restarts.
type SQLIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSQLIdempotencyStore creates a database-backed idempotency store.
func NewSQLIdempotencyStore(db *sql.DB, ttl time.Duration) *SQLIdempotencyStore {
	return &SQLIdempotencyStore{db: db, ttl: ttl}
}

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	status_code INTEGER NOT NULL,
	body BLOB,
	cached_at TEXT NOT NULL
);
`

// Init creates the schema.
func (s *SQLIdempotencyStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, idempotencySchema)
	return err
}

// Check returns a cached response if the idempotency key was seen before
// and is within TTL.
func (s *SQLIdempotencyStore) Check(key string) (*cachedResponse, bool) {
	var statusCode int
	var body []byte
	var cachedAt string

	err := s.db.QueryRow(
		`SELECT status_code, body, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&statusCode, &body, &cachedAt)
	if err != nil {
		return nil, false
	}

	at, err := time.Parse(time.RFC3339Nano, cachedAt)
	if err != nil || time.Since(at) > s.ttl {
		// Expired or unreadable; delete and report a miss.
		_, _ = s.db.Exec(`DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false
	}

	hdr := make(http.Header)
	hdr.Set("Content-Type", "application/json")
	return &cachedResponse{
		StatusCode: statusCode,
		Headers:    hdr,
		Body:       body,
		CachedAt:   at,
	}, true
}

// Set stores an idempotency key and its response.
func (s *SQLIdempotencyStore) Set(key string, statusCode int, headers http.Header, body []byte) {
	_, err := s.db.Exec(
		`INSERT INTO idempotency_keys (key, status_code, body, cached_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET status_code = $2, body = $3, cached_at = $4`,
		key, statusCode, body, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		// Log but don't fail; idempotency replay is best-effort enrichment.
		slog.Warn("idempotency key store failed", "key", key, "error", err)
	}
}

// Cleanup removes expired idempotency keys older than the TTL.
func (s *SQLIdempotencyStore) Cleanup() {
	_, _ = s.db.Exec(
		`DELETE FROM idempotency_keys WHERE cached_at < $1`,
		time.Now().UTC().Add(-s.ttl).Format(time.RFC3339Nano),
	)
}
