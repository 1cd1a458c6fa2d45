package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseward/ecl/pkg/errs"
	"github.com/caseward/ecl/pkg/ledger"
)

const testHash = "e6a63bbb4d9c1f5c60e30d1e600c1f1f0a92a02db947b80e3a1f46f9b7b33a77"

type queueHarness struct {
	q     *Queue
	chain *ledger.Ledger
	now   time.Time
}

func newQueueHarness(t *testing.T, bound int) *queueHarness {
	t.Helper()
	chain := ledger.New(ledger.NewMemoryStore(), nil)
	h := &queueHarness{chain: chain, now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	h.q = New(NewMemoryStore(), chain, DefaultRetryPolicy(), bound, nil).
		WithClock(func() time.Time { return h.now })
	return h
}

func (h *queueHarness) registerArtifact(t *testing.T, hash string) string {
	t.Helper()
	ctx := context.Background()
	artifact, _, err := h.chain.RegisterArtifact(ctx, hash, "", 8, "")
	require.NoError(t, err)
	_, err = h.chain.AppendGenesis(ctx, artifact.ArtifactID, "examiner-1", map[string]any{
		"canonical_hash":    hash,
		"byte_length":       8,
		"source_descriptor": "src",
	})
	require.NoError(t, err)
	return artifact.ArtifactID
}

func (h *queueHarness) advance(d time.Duration) { h.now = h.now.Add(d) }

func TestEnqueueValidation(t *testing.T) {
	h := newQueueHarness(t, 0)
	ctx := context.Background()
	artifactID := h.registerArtifact(t, testHash)

	_, err := h.q.Enqueue(ctx, artifactID, "", nil, PriorityP1)
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))

	_, err = h.q.Enqueue(ctx, artifactID, "triage", nil, Priority("P9"))
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))

	_, err = h.q.Enqueue(ctx, "no-such-artifact", "triage", nil, PriorityP1)
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestEnqueueSealedArtifactRejected(t *testing.T) {
	h := newQueueHarness(t, 0)
	ctx := context.Background()
	artifactID := h.registerArtifact(t, testHash)

	_, err := h.chain.Append(ctx, artifactID, ledger.KindClosed, "examiner-1",
		map[string]any{"reason": "case closed"}, 0)
	require.NoError(t, err)

	_, err = h.q.Enqueue(ctx, artifactID, "triage", nil, PriorityP1)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeSealed))
}

func TestQueueFullBound(t *testing.T) {
	h := newQueueHarness(t, 2)
	ctx := context.Background()
	artifactID := h.registerArtifact(t, testHash)

	_, err := h.q.Enqueue(ctx, artifactID, "triage", nil, PriorityP2)
	require.NoError(t, err)
	_, err = h.q.Enqueue(ctx, artifactID, "triage", nil, PriorityP2)
	require.NoError(t, err)

	_, err = h.q.Enqueue(ctx, artifactID, "triage", nil, PriorityP2)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeQueueFull))
	assert.Equal(t, errs.KindResourceExhausted, errs.KindOf(err))
}

func TestLeasePriorityThenFIFO(t *testing.T) {
	h := newQueueHarness(t, 0)
	ctx := context.Background()
	artifactID := h.registerArtifact(t, testHash)

	first, err := h.q.Enqueue(ctx, artifactID, "triage", nil, PriorityP2)
	require.NoError(t, err)
	h.advance(time.Second)
	second, err := h.q.Enqueue(ctx, artifactID, "triage", nil, PriorityP2)
	require.NoError(t, err)
	h.advance(time.Second)
	urgent, err := h.q.Enqueue(ctx, artifactID, "triage", nil, PriorityP1)
	require.NoError(t, err)

	// P1 jumps the older P2s; the P2s then come out in enqueue order.
	j1, err := h.q.Lease(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j1)
	assert.Equal(t, urgent, j1.JobID)
	assert.Equal(t, StateLeased, j1.State)
	assert.Equal(t, 1, j1.Attempts)
	assert.Equal(t, h.now.Add(time.Minute), j1.LeaseExpiry)

	j2, err := h.q.Lease(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j2)
	assert.Equal(t, first, j2.JobID)

	j3, err := h.q.Lease(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j3)
	assert.Equal(t, second, j3.JobID)

	j4, err := h.q.Lease(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, j4)
}

func TestHeartbeatOwnership(t *testing.T) {
	h := newQueueHarness(t, 0)
	ctx := context.Background()
	artifactID := h.registerArtifact(t, testHash)

	jobID, err := h.q.Enqueue(ctx, artifactID, "triage", nil, PriorityP1)
	require.NoError(t, err)
	j, err := h.q.Lease(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)

	err = h.q.Heartbeat(ctx, jobID, "worker-b", time.Minute)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeLeaseLost))

	h.advance(30 * time.Second)
	require.NoError(t, h.q.Heartbeat(ctx, jobID, "worker-a", time.Minute))
	stored, err := h.q.Job(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, h.now.Add(time.Minute), stored.LeaseExpiry)
}

func TestCompleteSucceeded(t *testing.T) {
	h := newQueueHarness(t, 0)
	ctx := context.Background()
	artifactID := h.registerArtifact(t, testHash)

	jobID, err := h.q.Enqueue(ctx, artifactID, "triage", nil, PriorityP1)
	require.NoError(t, err)
	_, err = h.q.Lease(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.q.MarkRunning(ctx, jobID, "worker-a"))

	require.NoError(t, h.q.Complete(ctx, jobID, "worker-a", StateSucceeded, ""))
	stored, err := h.q.Job(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, stored.State)
	assert.Empty(t, stored.WorkerID)
}

func TestCompleteFailedRequeuesWithBackoffThenDead(t *testing.T) {
	h := newQueueHarness(t, 0)
	ctx := context.Background()
	artifactID := h.registerArtifact(t, testHash)

	jobID, err := h.q.Enqueue(ctx, artifactID, "triage", nil, PriorityP1)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		j, err := h.q.Lease(ctx, "worker-a", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, j, "attempt %d", attempt)
		assert.Equal(t, attempt, j.Attempts)
		require.NoError(t, h.q.Complete(ctx, jobID, "worker-a", StateFailed, "step blew up"))

		stored, err := h.q.Job(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, StateQueued, stored.State)
		assert.Equal(t, "step blew up", stored.LastError)
		assert.True(t, stored.EligibleAfter.After(h.now), "backoff must defer eligibility")

		// Not dispatchable until the backoff elapses.
		none, err := h.q.Lease(ctx, "worker-a", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, none)
		h.advance(stored.EligibleAfter.Sub(h.now) + time.Millisecond)
	}

	// Third failure exhausts the attempt budget.
	j, err := h.q.Lease(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 3, j.Attempts)
	require.NoError(t, h.q.Complete(ctx, jobID, "worker-a", StateFailed, "still broken"))

	stored, err := h.q.Job(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StateDead, stored.State)

	none, err := h.q.Lease(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestCompleteWithoutLeaseRejected(t *testing.T) {
	h := newQueueHarness(t, 0)
	ctx := context.Background()
	artifactID := h.registerArtifact(t, testHash)

	jobID, err := h.q.Enqueue(ctx, artifactID, "triage", nil, PriorityP1)
	require.NoError(t, err)

	err = h.q.Complete(ctx, jobID, "worker-a", StateSucceeded, "")
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeLeaseLost))
}

func TestReapExpiredLeaseRequeues(t *testing.T) {
	h := newQueueHarness(t, 0)
	ctx := context.Background()
	artifactID := h.registerArtifact(t, testHash)

	jobID, err := h.q.Enqueue(ctx, artifactID, "triage", nil, PriorityP1)
	require.NoError(t, err)
	_, err = h.q.Lease(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.q.MarkRunning(ctx, jobID, "worker-a"))

	// Still within the lease, nothing to reap.
	n, err := h.q.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.advance(2 * time.Minute)
	n, err = h.q.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := h.q.Job(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, stored.State)
	assert.Empty(t, stored.WorkerID)

	// The crashed worker's late completion must be rejected.
	j, err := h.q.Lease(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 2, j.Attempts)
	err = h.q.Complete(ctx, jobID, "worker-a", StateSucceeded, "")
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeLeaseLost))
}

func TestRequestCancel(t *testing.T) {
	h := newQueueHarness(t, 0)
	ctx := context.Background()
	artifactID := h.registerArtifact(t, testHash)

	jobID, err := h.q.Enqueue(ctx, artifactID, "triage", nil, PriorityP1)
	require.NoError(t, err)
	require.NoError(t, h.q.RequestCancel(ctx, jobID))

	stored, err := h.q.Job(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, stored.CancelRequested)

	// The flag survives the lease and completion writes.
	_, err = h.q.Lease(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.q.Complete(ctx, jobID, "worker-a", StateFailed, "cancelled"))
	stored, err = h.q.Job(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, stored.CancelRequested)
}

func TestCompleteCancelledIsTerminal(t *testing.T) {
	h := newQueueHarness(t, 0)
	ctx := context.Background()
	artifactID := h.registerArtifact(t, testHash)

	jobID, err := h.q.Enqueue(ctx, artifactID, "triage", nil, PriorityP1)
	require.NoError(t, err)
	require.NoError(t, h.q.RequestCancel(ctx, jobID))
	_, err = h.q.Lease(ctx, "worker-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, h.q.Complete(ctx, jobID, "worker-a", StateCancelled, "cancelled before step identify"))

	stored, err := h.q.Job(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, stored.State)
	assert.True(t, stored.State.Terminal())
	assert.Empty(t, stored.WorkerID)

	// Never dispatched again, even long after any backoff would elapse.
	h.advance(time.Hour)
	none, err := h.q.Lease(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	err = h.q.RequestCancel(ctx, jobID)
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestRequestCancelTerminalRejected(t *testing.T) {
	h := newQueueHarness(t, 0)
	ctx := context.Background()
	artifactID := h.registerArtifact(t, testHash)

	jobID, err := h.q.Enqueue(ctx, artifactID, "triage", nil, PriorityP1)
	require.NoError(t, err)
	_, err = h.q.Lease(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.q.Complete(ctx, jobID, "worker-a", StateSucceeded, ""))

	err = h.q.RequestCancel(ctx, jobID)
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestParamsDigestStable(t *testing.T) {
	h := newQueueHarness(t, 0)
	ctx := context.Background()
	artifactID := h.registerArtifact(t, testHash)

	a, err := h.q.Enqueue(ctx, artifactID, "triage", map[string]any{"depth": 3, "mode": "fast"}, PriorityP1)
	require.NoError(t, err)
	b, err := h.q.Enqueue(ctx, artifactID, "triage", map[string]any{"mode": "fast", "depth": 3}, PriorityP1)
	require.NoError(t, err)

	ja, err := h.q.Job(ctx, a)
	require.NoError(t, err)
	jb, err := h.q.Job(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, ja.ParamsDigest, jb.ParamsDigest)
	assert.Len(t, ja.ParamsDigest, 64)
}

func TestComputeBackoffDeterministicAndBounded(t *testing.T) {
	policy := DefaultRetryPolicy()

	d1 := ComputeBackoff(policy, "job-1", 1)
	d1Again := ComputeBackoff(policy, "job-1", 1)
	assert.Equal(t, d1, d1Again)

	d2 := ComputeBackoff(policy, "job-1", 2)
	assert.Greater(t, d2, d1)

	// Base doubles per attempt; jitter stays under the configured cap.
	assert.GreaterOrEqual(t, d1, time.Second)
	assert.Less(t, d1, time.Second+time.Duration(policy.MaxJitterMs+1)*time.Millisecond)

	// Large attempts saturate at MaxMs plus jitter.
	d40 := ComputeBackoff(policy, "job-1", 40)
	assert.LessOrEqual(t, d40, time.Duration(policy.MaxMs+policy.MaxJitterMs)*time.Millisecond)
	assert.GreaterOrEqual(t, d40, time.Duration(policy.MaxMs)*time.Millisecond)
}
