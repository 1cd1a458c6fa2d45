package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/caseward/ecl/pkg/canonicalize"
	"github.com/caseward/ecl/pkg/errs"
	"github.com/caseward/ecl/pkg/ledger"
)

// Queue is the job queue service: admission checks on enqueue, atomic
// lease dispatch, ownership-guarded heartbeat/complete, and the reaper.
type Queue struct {
	store  Store
	chain  *ledger.Ledger
	policy RetryPolicy
	bound  int
	logger *slog.Logger
	clock  func() time.Time
}

// New wires the queue to its store and the ledger used for admission checks.
// bound caps the number of non-terminal jobs; 0 means the default of 10000.
func New(store Store, chain *ledger.Ledger, policy RetryPolicy, bound int, logger *slog.Logger) *Queue {
	if bound <= 0 {
		bound = 10000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, chain: chain, policy: policy, bound: bound, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

// Policy returns the retry policy the queue applies to failed jobs.
func (q *Queue) Policy() RetryPolicy { return q.policy }

// Enqueue admits a new job. The artifact must exist and not be sealed.
func (q *Queue) Enqueue(ctx context.Context, artifactID, pipelineName string, params map[string]any, priority Priority) (string, error) {
	if pipelineName == "" {
		return "", errs.New(errs.KindInvalidArgument, errs.CodeInvalidArgument, "pipeline_name is required")
	}
	if !priority.Valid() {
		return "", errs.New(errs.KindInvalidArgument, errs.CodeInvalidArgument, "unknown priority %q", priority)
	}
	artifact, err := q.chain.GetArtifact(ctx, artifactID)
	if err != nil {
		return "", err
	}
	if artifact.Sealed {
		return "", errs.New(errs.KindConflict, errs.CodeSealed, "artifact %s is sealed", artifactID)
	}

	active, err := q.store.CountActive(ctx)
	if err != nil {
		return "", errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "queue depth check failed")
	}
	if active >= q.bound {
		return "", errs.New(errs.KindResourceExhausted, errs.CodeQueueFull,
			"queue holds %d active jobs, bound is %d", active, q.bound)
	}

	digest, err := canonicalize.Digest(params)
	if err != nil {
		return "", errs.Wrap(err, errs.KindInvalidArgument, errs.CodeInvalidArgument, "params not canonicalizable")
	}

	now := q.clock().UTC()
	j := Job{
		JobID:         uuid.NewString(),
		ArtifactID:    artifactID,
		PipelineName:  pipelineName,
		Params:        params,
		ParamsDigest:  digest,
		Priority:      priority,
		State:         StateQueued,
		EnqueuedAt:    now,
		EligibleAfter: now,
	}
	if err := q.store.Insert(ctx, j); err != nil {
		return "", errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "job insert failed")
	}
	return j.JobID, nil
}

// Lease claims the next eligible job for workerID, or returns nil when
// nothing is dispatchable.
func (q *Queue) Lease(ctx context.Context, workerID string, leaseDuration time.Duration) (*Job, error) {
	if workerID == "" {
		return nil, errs.New(errs.KindInvalidArgument, errs.CodeInvalidArgument, "worker_id is required")
	}
	if leaseDuration <= 0 {
		return nil, errs.New(errs.KindInvalidArgument, errs.CodeInvalidArgument, "lease_duration must be positive")
	}
	now := q.clock().UTC()
	j, err := q.store.LeaseNext(ctx, workerID, now, now.Add(leaseDuration))
	if err != nil {
		return nil, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "lease failed")
	}
	return j, nil
}

// MarkRunning moves a leased job to RUNNING. The caller must hold the lease.
func (q *Queue) MarkRunning(ctx context.Context, jobID, workerID string) error {
	j, err := q.get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State != StateLeased || j.WorkerID != workerID {
		return q.leaseLost(jobID, workerID, j)
	}
	j.State = StateRunning
	return q.update(ctx, j, StateLeased, workerID)
}

// Heartbeat extends the lease while the holder still owns it.
func (q *Queue) Heartbeat(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	j, err := q.get(ctx, jobID)
	if err != nil {
		return err
	}
	if (j.State != StateLeased && j.State != StateRunning) || j.WorkerID != workerID {
		return q.leaseLost(jobID, workerID, j)
	}
	state := j.State
	j.LeaseExpiry = q.clock().UTC().Add(leaseDuration)
	return q.update(ctx, j, state, workerID)
}

// Complete reports the outcome of an attempt. SUCCEEDED and CANCELLED are
// terminal; FAILED requeues with backoff until the policy's attempt budget
// is spent, then the job goes DEAD.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string, outcome JobState, errMsg string) error {
	if outcome != StateSucceeded && outcome != StateFailed && outcome != StateCancelled {
		return errs.New(errs.KindInvalidArgument, errs.CodeInvalidArgument, "outcome must be SUCCEEDED, FAILED or CANCELLED, got %q", outcome)
	}
	j, err := q.get(ctx, jobID)
	if err != nil {
		return err
	}
	if (j.State != StateLeased && j.State != StateRunning) || j.WorkerID != workerID {
		return q.leaseLost(jobID, workerID, j)
	}
	state := j.State

	if outcome == StateSucceeded {
		j.State = StateSucceeded
		j.WorkerID = ""
		j.LeaseExpiry = time.Time{}
		j.LastError = ""
		return q.update(ctx, j, state, workerID)
	}

	if outcome == StateCancelled {
		// Cancellation is terminal regardless of the attempt budget.
		j.State = StateCancelled
		j.WorkerID = ""
		j.LeaseExpiry = time.Time{}
		j.LastError = errMsg
		return q.update(ctx, j, state, workerID)
	}

	j.LastError = errMsg
	j.WorkerID = ""
	j.LeaseExpiry = time.Time{}
	if j.Attempts >= q.policy.MaxAttempts {
		j.State = StateDead
		if err := q.update(ctx, j, state, workerID); err != nil {
			return err
		}
		q.logger.Warn("job dead-lettered",
			"job_id", jobID, "attempts", j.Attempts, "last_error", errMsg)
		return nil
	}
	j.State = StateQueued
	j.EligibleAfter = q.clock().UTC().Add(ComputeBackoff(q.policy, j.JobID, j.Attempts))
	return q.update(ctx, j, state, workerID)
}

// RequestCancel flags the job for cooperative cancellation. Workers observe
// the flag between steps; terminal jobs reject the request.
func (q *Queue) RequestCancel(ctx context.Context, jobID string) error {
	j, err := q.get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return errs.New(errs.KindConflict, errs.CodeInvalidArgument, "job %s is %s", jobID, j.State)
	}
	if err := q.store.SetCancelRequested(ctx, jobID); err != nil {
		return errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "cancel flag failed")
	}
	return nil
}

// Job returns the stored job record.
func (q *Queue) Job(ctx context.Context, jobID string) (Job, error) {
	return q.get(ctx, jobID)
}

// Reap returns expired LEASED/RUNNING jobs to QUEUED. This is the only
// recovery path for crashed workers.
func (q *Queue) Reap(ctx context.Context) (int, error) {
	n, err := q.store.ReapExpired(ctx, q.clock().UTC())
	if err != nil {
		return 0, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "reap failed")
	}
	return n, nil
}

// RunReaper reaps on an interval until ctx is done.
func (q *Queue) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.Reap(ctx); err != nil {
				q.logger.Error("lease reap failed", "error", err)
			} else if n > 0 {
				q.logger.Info("reaped expired leases", "count", n)
			}
		}
	}
}

func (q *Queue) get(ctx context.Context, jobID string) (Job, error) {
	j, err := q.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Job{}, errs.New(errs.KindNotFound, errs.CodeNotFound, "job %s not found", jobID)
		}
		return Job{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "job lookup failed")
	}
	return j, nil
}

func (q *Queue) update(ctx context.Context, j Job, expectState JobState, expectWorker string) error {
	err := q.store.Update(ctx, j, expectState, expectWorker)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return errs.New(errs.KindNotFound, errs.CodeNotFound, "job %s not found", j.JobID)
	case errors.Is(err, ErrLeaseLost):
		return errs.New(errs.KindConflict, errs.CodeLeaseLost, "lease on job %s no longer held by %s", j.JobID, expectWorker)
	default:
		return errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "job update failed")
	}
}

func (q *Queue) leaseLost(jobID, workerID string, j Job) error {
	return errs.New(errs.KindConflict, errs.CodeLeaseLost,
		"lease on job %s not held by %s (state %s, holder %q)", jobID, workerID, j.State, j.WorkerID)
}
