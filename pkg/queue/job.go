// Package queue implements the durable pipeline job queue: FIFO within
// priority, visibility leases, bounded retries with exponential backoff,
// and a dead-letter terminal state.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Priority orders jobs across classes; P1 preempts P2 preempts P3.
type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// rank maps priorities to their selection order.
func (p Priority) rank() int {
	switch p {
	case PriorityP1:
		return 1
	case PriorityP2:
		return 2
	case PriorityP3:
		return 3
	default:
		return 4
	}
}

// Valid reports whether p is a known priority class.
func (p Priority) Valid() bool { return p.rank() < 4 }

// JobState is the job lifecycle.
type JobState string

const (
	StateQueued    JobState = "QUEUED"
	StateLeased    JobState = "LEASED"
	StateRunning   JobState = "RUNNING"
	StateSucceeded JobState = "SUCCEEDED"
	StateFailed    JobState = "FAILED"
	StateCancelled JobState = "CANCELLED"
	StateDead      JobState = "DEAD"
)

// Terminal reports whether the state accepts no further transitions.
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateCancelled || s == StateDead
}

// Job is one pipeline run request.
type Job struct {
	JobID           string         `json:"job_id"`
	ArtifactID      string         `json:"artifact_id"`
	PipelineName    string         `json:"pipeline_name"`
	Params          map[string]any `json:"params,omitempty"`
	ParamsDigest    string         `json:"params_digest"`
	Priority        Priority       `json:"priority"`
	State           JobState       `json:"state"`
	Attempts        int            `json:"attempts"`
	WorkerID        string         `json:"worker_id,omitempty"`
	LeaseExpiry     time.Time      `json:"lease_expiry,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	EnqueuedAt      time.Time      `json:"enqueued_at"`
	EligibleAfter   time.Time      `json:"eligible_after"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
}

// Storage sentinels.
var (
	ErrNotFound  = errors.New("job not found")
	ErrLeaseLost = errors.New("lease not held")
)

// Store persists jobs. Lease selection and ownership checks are
// conditional writes; the memory implementation serializes on a mutex, the
// SQL implementation on guarded UPDATE statements.
type Store interface {
	Insert(ctx context.Context, j Job) error
	Get(ctx context.Context, jobID string) (Job, error)
	// CountActive counts jobs in non-terminal states, for the QueueFull bound.
	CountActive(ctx context.Context) (int, error)
	// LeaseNext atomically claims the oldest eligible QUEUED job of the
	// highest priority: state -> LEASED, attempts+1, worker and expiry set.
	// Returns nil when no job is eligible.
	LeaseNext(ctx context.Context, workerID string, now time.Time, expiry time.Time) (*Job, error)
	// Update rewrites the mutable columns of a job, conditional on the
	// stored state and worker matching expectState/expectWorker.
	// expectWorker "" skips the ownership check.
	Update(ctx context.Context, j Job, expectState JobState, expectWorker string) error
	// ReapExpired returns every LEASED or RUNNING job whose lease expired
	// to QUEUED, and reports how many were reaped.
	ReapExpired(ctx context.Context, now time.Time) (int, error)
	// SetCancelRequested flips the cooperative cancellation flag.
	SetCancelRequested(ctx context.Context, jobID string) error
}

// MemoryStore is an in-memory Store for tests and single-process embedding.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job)}
}

func (s *MemoryStore) Insert(ctx context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.JobID] = j
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j, nil
}

func (s *MemoryStore) CountActive(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if !j.State.Terminal() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) LeaseNext(ctx context.Context, workerID string, now, expiry time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []Job
	for _, j := range s.jobs {
		if j.State == StateQueued && !j.EligibleAfter.After(now) {
			eligible = append(eligible, j)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.Slice(eligible, func(i, k int) bool {
		if eligible[i].Priority.rank() != eligible[k].Priority.rank() {
			return eligible[i].Priority.rank() < eligible[k].Priority.rank()
		}
		if !eligible[i].EnqueuedAt.Equal(eligible[k].EnqueuedAt) {
			return eligible[i].EnqueuedAt.Before(eligible[k].EnqueuedAt)
		}
		return eligible[i].JobID < eligible[k].JobID
	})

	j := eligible[0]
	j.State = StateLeased
	j.WorkerID = workerID
	j.LeaseExpiry = expiry
	j.Attempts++
	s.jobs[j.JobID] = j
	return &j, nil
}

func (s *MemoryStore) Update(ctx context.Context, j Job, expectState JobState, expectWorker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[j.JobID]
	if !ok {
		return ErrNotFound
	}
	if stored.State != expectState {
		return ErrLeaseLost
	}
	if expectWorker != "" && stored.WorkerID != expectWorker {
		return ErrLeaseLost
	}
	// Cancellation is sticky across state rewrites.
	j.CancelRequested = j.CancelRequested || stored.CancelRequested
	s.jobs[j.JobID] = j
	return nil
}

func (s *MemoryStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if (j.State == StateLeased || j.State == StateRunning) && j.LeaseExpiry.Before(now) {
			j.State = StateQueued
			j.WorkerID = ""
			j.LeaseExpiry = time.Time{}
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SetCancelRequested(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.CancelRequested = true
	s.jobs[jobID] = j
	return nil
}
