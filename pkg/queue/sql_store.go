package queue

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

const queueSchema = `
CREATE TABLE IF NOT EXISTS pipeline_jobs (
	job_id TEXT PRIMARY KEY,
	artifact_id TEXT NOT NULL,
	pipeline_name TEXT NOT NULL,
	params_json TEXT NOT NULL DEFAULT '{}',
	params_digest TEXT NOT NULL,
	priority TEXT NOT NULL,
	priority_rank INTEGER NOT NULL,
	state TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	worker_id TEXT NOT NULL DEFAULT '',
	lease_expiry TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	enqueued_at TEXT NOT NULL,
	eligible_after TEXT NOT NULL,
	cancel_requested INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_dispatch
	ON pipeline_jobs (state, priority_rank, eligible_after, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_jobs_lease
	ON pipeline_jobs (state, lease_expiry);
`

// Init creates the schema.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(queueSchema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("queue schema init failed: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Insert(ctx context.Context, j Job) error {
	params, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("params marshal failed: %w", err)
	}
	query := `
		INSERT INTO pipeline_jobs (job_id, artifact_id, pipeline_name, params_json,
			params_digest, priority, priority_rank, state, attempts, worker_id,
			lease_expiry, last_error, enqueued_at, eligible_after, cancel_requested)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = s.db.ExecContext(ctx, query,
		j.JobID, j.ArtifactID, j.PipelineName, string(params),
		j.ParamsDigest, string(j.Priority), j.Priority.rank(), string(j.State),
		j.Attempts, j.WorkerID, formatJobTime(j.LeaseExpiry), j.LastError,
		formatJobTime(j.EnqueuedAt), formatJobTime(j.EligibleAfter), boolToInt(j.CancelRequested),
	)
	if err != nil {
		return fmt.Errorf("job insert failed: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, jobID string) (Job, error) {
	query := selectJobColumns + ` WHERE job_id = $1`
	j, err := scanJob(s.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	return j, nil
}

func (s *SQLStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pipeline_jobs WHERE state NOT IN ($1, $2, $3)`,
		string(StateSucceeded), string(StateCancelled), string(StateDead)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("active job count failed: %w", err)
	}
	return n, nil
}

// LeaseNext picks the dispatch head and claims it with a conditional
// UPDATE. A lost race (another worker claimed first) retries with the next
// candidate; a few rounds cover realistic contention.
func (s *SQLStore) LeaseNext(ctx context.Context, workerID string, now, expiry time.Time) (*Job, error) {
	for attempt := 0; attempt < 5; attempt++ {
		query := selectJobColumns + `
			WHERE state = $1 AND eligible_after <= $2
			ORDER BY priority_rank ASC, enqueued_at ASC, job_id ASC
			LIMIT 1`
		j, err := scanJob(s.db.QueryRowContext(ctx, query, string(StateQueued), formatJobTime(now)))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE pipeline_jobs
			SET state = $1, worker_id = $2, lease_expiry = $3, attempts = attempts + 1
			WHERE job_id = $4 AND state = $5`,
			string(StateLeased), workerID, formatJobTime(expiry),
			j.JobID, string(StateQueued))
		if err != nil {
			return nil, fmt.Errorf("lease claim failed: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if rows == 0 {
			continue
		}

		j.State = StateLeased
		j.WorkerID = workerID
		j.LeaseExpiry = expiry
		j.Attempts++
		return &j, nil
	}
	return nil, nil
}

func (s *SQLStore) Update(ctx context.Context, j Job, expectState JobState, expectWorker string) error {
	query := `
		UPDATE pipeline_jobs
		SET state = $1, attempts = $2, worker_id = $3, lease_expiry = $4,
			last_error = $5, eligible_after = $6
		WHERE job_id = $7 AND state = $8`
	args := []any{
		string(j.State), j.Attempts, j.WorkerID, formatJobTime(j.LeaseExpiry),
		j.LastError, formatJobTime(j.EligibleAfter),
		j.JobID, string(expectState),
	}
	if expectWorker != "" {
		query += ` AND worker_id = $9`
		args = append(args, expectWorker)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("job update failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := s.Get(ctx, j.JobID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrLeaseLost
	}
	return nil
}

func (s *SQLStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_jobs
		SET state = $1, worker_id = '', lease_expiry = ''
		WHERE state IN ($2, $3) AND lease_expiry <> '' AND lease_expiry < $4`,
		string(StateQueued), string(StateLeased), string(StateRunning), formatJobTime(now))
	if err != nil {
		return 0, fmt.Errorf("lease reap failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

func (s *SQLStore) SetCancelRequested(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_jobs SET cancel_requested = 1 WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("cancel flag update failed: %w", err)
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

const selectJobColumns = `
	SELECT job_id, artifact_id, pipeline_name, params_json, params_digest,
		priority, state, attempts, worker_id, lease_expiry, last_error,
		enqueued_at, eligible_after, cancel_requested
	FROM pipeline_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var j Job
	var params, priority, state, leaseExpiry, enqueuedAt, eligibleAfter string
	var cancel int
	err := r.Scan(&j.JobID, &j.ArtifactID, &j.PipelineName, &params, &j.ParamsDigest,
		&priority, &state, &j.Attempts, &j.WorkerID, &leaseExpiry, &j.LastError,
		&enqueuedAt, &eligibleAfter, &cancel)
	if err != nil {
		return Job{}, err
	}
	if params != "" && params != "null" {
		if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
			return Job{}, fmt.Errorf("params unmarshal failed: %w", err)
		}
	}
	j.Priority = Priority(priority)
	j.State = JobState(state)
	j.LeaseExpiry = parseJobTime(leaseExpiry)
	j.EnqueuedAt = parseJobTime(enqueuedAt)
	j.EligibleAfter = parseJobTime(eligibleAfter)
	j.CancelRequested = cancel != 0
	return j, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Fixed-width fractional seconds so string comparison in SQL matches
// chronological order.
const jobTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatJobTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(jobTimeLayout)
}

func parseJobTime(value string) time.Time {
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
