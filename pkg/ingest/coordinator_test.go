package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseward/ecl/pkg/canonicalize"
	"github.com/caseward/ecl/pkg/content"
	"github.com/caseward/ecl/pkg/errs"
	"github.com/caseward/ecl/pkg/ledger"
)

type harness struct {
	coord *Coordinator
	chain *ledger.Ledger
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := content.NewFileStore(t.TempDir(), 0)
	require.NoError(t, err)
	chain := ledger.New(ledger.NewMemoryStore(), nil)
	h := &harness{chain: chain, now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	h.coord = NewCoordinator(NewMemorySessionStore(), store, chain, nil).
		WithClock(func() time.Time { return h.now })
	return h
}

func (h *harness) put(t *testing.T, sid string, index int, data string) {
	t.Helper()
	require.NoError(t, h.coord.PutChunk(context.Background(), sid, index, []byte(data),
		canonicalize.HashBytes([]byte(data))))
}

func TestTwoChunkCommitHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sid, err := h.coord.Open(ctx, 2, 0, "examiner-1", "disk-image:/dev/sda")
	require.NoError(t, err)
	h.put(t, sid, 0, "AAAA")
	h.put(t, sid, 1, "BBBB")

	res, err := h.coord.Commit(ctx, sid)
	require.NoError(t, err)

	want := sha256.Sum256([]byte("AAAABBBB"))
	assert.Equal(t, hex.EncodeToString(want[:]), res.CanonicalHash)
	assert.False(t, res.Deduped)

	// Exactly one ACQUIRED genesis event, chained from the zero hash.
	var events []ledger.Event
	require.NoError(t, h.chain.History(ctx, res.ArtifactID, func(ev ledger.Event) error {
		events = append(events, ev)
		return nil
	}))
	require.Len(t, events, 1)
	assert.Equal(t, uint64(0), events[0].Seq)
	assert.Equal(t, ledger.KindAcquired, events[0].Kind)
	assert.Equal(t, ledger.ZeroHash, events[0].PrevHash)
	assert.Equal(t, res.CanonicalHash, events[0].Payload["canonical_hash"])
	assert.Equal(t, "disk-image:/dev/sda", events[0].Payload["source_descriptor"])

	verify, err := h.chain.Verify(ctx, res.ArtifactID)
	require.NoError(t, err)
	assert.True(t, verify.OK)
}

func TestDedupOnSecondCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coord.Open(ctx, 2, 0, "examiner-1", "disk-image:/dev/sda")
	require.NoError(t, err)
	h.put(t, first, 0, "AAAA")
	h.put(t, first, 1, "BBBB")
	res1, err := h.coord.Commit(ctx, first)
	require.NoError(t, err)

	second, err := h.coord.Open(ctx, 2, 0, "examiner-2", "usb-stick:serial-77")
	require.NoError(t, err)
	h.put(t, second, 0, "AAAA")
	h.put(t, second, 1, "BBBB")
	res2, err := h.coord.Commit(ctx, second)
	require.NoError(t, err)

	assert.True(t, res2.Deduped)
	assert.Equal(t, res1.ArtifactID, res2.ArtifactID)

	// The artifact now carries two ACQUIRED events with distinct sources.
	var events []ledger.Event
	require.NoError(t, h.chain.History(ctx, res1.ArtifactID, func(ev ledger.Event) error {
		events = append(events, ev)
		return nil
	}))
	require.Len(t, events, 2)
	assert.Equal(t, ledger.KindAcquired, events[0].Kind)
	assert.Equal(t, ledger.KindAcquired, events[1].Kind)
	assert.Equal(t, "disk-image:/dev/sda", events[0].Payload["source_descriptor"])
	assert.Equal(t, "usb-stick:serial-77", events[1].Payload["source_descriptor"])
	assert.Equal(t, events[0].Payload["canonical_hash"], events[1].Payload["canonical_hash"])
}

func TestDoubleCommitIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sid, err := h.coord.Open(ctx, 1, 0, "examiner-1", "src")
	require.NoError(t, err)
	h.put(t, sid, 0, "AAAA")

	res1, err := h.coord.Commit(ctx, sid)
	require.NoError(t, err)
	res2, err := h.coord.Commit(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, res1, res2)
}

func TestCommitIncompleteSessionReturnsToOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sid, err := h.coord.Open(ctx, 2, 0, "examiner-1", "src")
	require.NoError(t, err)
	h.put(t, sid, 0, "AAAA")

	_, err = h.coord.Commit(ctx, sid)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeIncompleteSession))

	sess, err := h.coord.Session(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, sess.State)
	assert.NotEmpty(t, sess.LastError)

	// The missing chunk can be supplied and commit retried.
	h.put(t, sid, 1, "BBBB")
	_, err = h.coord.Commit(ctx, sid)
	require.NoError(t, err)
}

func TestPutChunkAfterAbortRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sid, err := h.coord.Open(ctx, 1, 0, "examiner-1", "src")
	require.NoError(t, err)
	require.NoError(t, h.coord.Abort(ctx, sid))

	err = h.coord.PutChunk(ctx, sid, 0, []byte("AAAA"), canonicalize.HashBytes([]byte("AAAA")))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeSessionClosed))

	// Abort is idempotent.
	require.NoError(t, h.coord.Abort(ctx, sid))
}

func TestPutChunkIndexOutOfRange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sid, err := h.coord.Open(ctx, 2, 0, "examiner-1", "src")
	require.NoError(t, err)

	err = h.coord.PutChunk(ctx, sid, 2, []byte("AAAA"), canonicalize.HashBytes([]byte("AAAA")))
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))
}

func TestOpenValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Open(ctx, 0, 0, "examiner-1", "src")
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))

	_, err = h.coord.Open(ctx, 1, 0, "", "src")
	require.Error(t, err)
}

func TestSweepExpiredAbortsIdleSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stale, err := h.coord.Open(ctx, 1, 0, "examiner-1", "src-a")
	require.NoError(t, err)

	// Advance the clock past the TTL; the second session stays fresh.
	h.now = h.now.Add(25 * time.Hour)
	fresh, err := h.coord.Open(ctx, 1, 0, "examiner-1", "src-b")
	require.NoError(t, err)

	swept, err := h.coord.SweepExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	staleSess, err := h.coord.Session(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, staleSess.State)

	freshSess, err := h.coord.Session(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, freshSess.State)
}

func TestCommitAbortedSessionRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sid, err := h.coord.Open(ctx, 1, 0, "examiner-1", "src")
	require.NoError(t, err)
	require.NoError(t, h.coord.Abort(ctx, sid))

	_, err = h.coord.Commit(ctx, sid)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeSessionClosed))
}
