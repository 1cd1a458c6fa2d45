package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseward/ecl/pkg/canonicalize"
	"github.com/caseward/ecl/pkg/content"
	"github.com/caseward/ecl/pkg/ledger"
	"github.com/caseward/ecl/pkg/queue"
)

type execHarness struct {
	exec  *Executor
	q     *queue.Queue
	chain *ledger.Ledger
	store content.Store
	now   time.Time
}

func newExecHarness(t *testing.T) *execHarness {
	t.Helper()
	store, err := content.NewFileStore(t.TempDir(), 0)
	require.NoError(t, err)
	chain := ledger.New(ledger.NewMemoryStore(), nil)
	h := &execHarness{chain: chain, store: store,
		now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	h.q = queue.New(queue.NewMemoryStore(), chain, queue.DefaultRetryPolicy(), 0, nil).
		WithClock(func() time.Time { return h.now })
	h.exec = NewExecutor(h.q, chain, store, DefaultRegistry(), nil).
		WithLeaseDuration(time.Minute)
	return h
}

// ingest stores data as a finalized artifact with its genesis event.
func (h *execHarness) ingest(t *testing.T, data string) string {
	t.Helper()
	ctx := context.Background()
	sid := "session-" + canonicalize.HashBytes([]byte(data))[:8]
	require.NoError(t, h.store.PutChunk(ctx, sid, 0, []byte(data),
		canonicalize.HashBytes([]byte(data))))
	fin, err := h.store.Finalize(ctx, sid, 1)
	require.NoError(t, err)

	artifact, _, err := h.chain.RegisterArtifact(ctx, fin.CanonicalHash, fin.SecondaryHash, fin.ByteLength, "")
	require.NoError(t, err)
	_, err = h.chain.AppendGenesis(ctx, artifact.ArtifactID, "examiner-1", map[string]any{
		"canonical_hash":    fin.CanonicalHash,
		"byte_length":       fin.ByteLength,
		"source_descriptor": "test-fixture",
	})
	require.NoError(t, err)
	return artifact.ArtifactID
}

func (h *execHarness) history(t *testing.T, artifactID string) []ledger.Event {
	t.Helper()
	var events []ledger.Event
	require.NoError(t, h.chain.History(context.Background(), artifactID, func(ev ledger.Event) error {
		events = append(events, ev)
		return nil
	}))
	return events
}

func TestTriagePipelineRecordsOneEventPerStep(t *testing.T) {
	h := newExecHarness(t)
	ctx := context.Background()
	artifactID := h.ingest(t, "plain text evidence payload")

	jobID, err := h.q.Enqueue(ctx, artifactID, "triage", map[string]any{"mode": "fast"}, queue.PriorityP1)
	require.NoError(t, err)

	processed, err := h.exec.ProcessOne(ctx, "worker-0")
	require.NoError(t, err)
	require.True(t, processed)

	job, err := h.q.Job(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateSucceeded, job.State)

	events := h.history(t, artifactID)
	require.Len(t, events, 3)
	assert.Equal(t, ledger.KindAcquired, events[0].Kind)
	assert.Equal(t, ledger.KindAnalyzed, events[1].Kind)
	assert.Equal(t, ledger.KindAnalyzed, events[2].Kind)
	assert.Equal(t, "identify", events[1].Payload["step_name"])
	assert.Equal(t, "entropy", events[2].Payload["step_name"])
	assert.Equal(t, job.ParamsDigest, events[1].Payload["params_digest"])
	assert.Equal(t, "worker:worker-0", events[1].Actor)
	assert.Contains(t, events[1].Payload["mime"], "text/plain")

	// Derivative reports are content-addressed in the store.
	ref, ok := events[1].Payload["result_ref"].(string)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(ref, "blob:"))
	exists, err := h.store.Exists(ctx, strings.TrimPrefix(ref, "blob:"))
	require.NoError(t, err)
	assert.True(t, exists)

	verify, err := h.chain.Verify(ctx, artifactID)
	require.NoError(t, err)
	assert.True(t, verify.OK)
}

func TestCrashedWorkerRetrySkipsRecordedSteps(t *testing.T) {
	h := newExecHarness(t)
	ctx := context.Background()
	artifactID := h.ingest(t, "retry fixture bytes")

	jobID, err := h.q.Enqueue(ctx, artifactID, "triage", nil, queue.PriorityP1)
	require.NoError(t, err)

	// First attempt records identify, then the worker dies before entropy.
	leased, err := h.q.Lease(ctx, "crashed", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.NoError(t, h.q.MarkRunning(ctx, jobID, "crashed"))
	_, err = h.chain.AppendAuto(ctx, artifactID, ledger.KindAnalyzed, "worker:crashed", map[string]any{
		"pipeline_name": "triage",
		"step_name":     "identify",
		"params_digest": leased.ParamsDigest,
		"result_ref":    "blob:prior",
	})
	require.NoError(t, err)

	h.now = h.now.Add(2 * time.Minute)
	n, err := h.q.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	processed, err := h.exec.ProcessOne(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, processed)

	job, err := h.q.Job(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateSucceeded, job.State)
	assert.Equal(t, 2, job.Attempts)

	// identify was not re-recorded; entropy was appended exactly once.
	events := h.history(t, artifactID)
	require.Len(t, events, 3)
	assert.Equal(t, "identify", events[1].Payload["step_name"])
	assert.Equal(t, "blob:prior", events[1].Payload["result_ref"])
	assert.Equal(t, "entropy", events[2].Payload["step_name"])
	assert.Equal(t, "worker:worker-1", events[2].Actor)
}

func TestUnknownPipelineFailsJob(t *testing.T) {
	h := newExecHarness(t)
	ctx := context.Background()
	artifactID := h.ingest(t, "data")

	jobID, err := h.q.Enqueue(ctx, artifactID, "no-such-pipeline", nil, queue.PriorityP2)
	require.NoError(t, err)

	processed, err := h.exec.ProcessOne(ctx, "worker-0")
	require.NoError(t, err)
	require.True(t, processed)

	job, err := h.q.Job(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateQueued, job.State)
	assert.Contains(t, job.LastError, "not registered")
}

func TestCancelRequestedStopsBeforeFirstStep(t *testing.T) {
	h := newExecHarness(t)
	ctx := context.Background()
	artifactID := h.ingest(t, "data to cancel")

	jobID, err := h.q.Enqueue(ctx, artifactID, "triage", nil, queue.PriorityP1)
	require.NoError(t, err)
	require.NoError(t, h.q.RequestCancel(ctx, jobID))

	processed, err := h.exec.ProcessOne(ctx, "worker-0")
	require.NoError(t, err)
	require.True(t, processed)

	// Cancellation is terminal: no requeue, no further attempts.
	job, err := h.q.Job(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCancelled, job.State)
	assert.True(t, job.State.Terminal())
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.LastError, "cancelled")

	h.now = h.now.Add(time.Hour)
	none, err := h.q.Lease(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	// No ANALYZED event was written.
	events := h.history(t, artifactID)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.KindAcquired, events[0].Kind)
}

func TestRegistryRejectsInvalidPipelines(t *testing.T) {
	r := NewRegistry()
	noop := func(ctx context.Context, in StepInput) (StepResult, error) { return StepResult{}, nil }

	err := r.Register(Pipeline{Name: "p", Version: "not-semver", Steps: []Step{{Name: "a", Run: noop}}})
	require.Error(t, err)

	err = r.Register(Pipeline{Name: "p", Version: "1.0.0"})
	require.Error(t, err)

	err = r.Register(Pipeline{Name: "p", Version: "1.0.0", Steps: []Step{
		{Name: "a", Run: noop}, {Name: "a", Run: noop},
	}})
	require.Error(t, err)

	require.NoError(t, r.Register(Pipeline{Name: "p", Version: "1.2.3", Steps: []Step{{Name: "a", Run: noop}}}))
	assert.Equal(t, []string{"p"}, r.Names())
}

func TestShannonEntropyBounds(t *testing.T) {
	assert.Zero(t, shannonEntropy(nil))
	assert.Zero(t, shannonEntropy([]byte{7, 7, 7, 7}))

	uniform := make([]byte, 256)
	for i := range uniform {
		uniform[i] = byte(i)
	}
	assert.InDelta(t, 8.0, shannonEntropy(uniform), 1e-9)
}
