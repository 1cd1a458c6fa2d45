package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseward/ecl/pkg/errs"
)

func testLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	l := New(store, nil).WithClock(func() time.Time {
		return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	})
	return l, store
}

func acquiredPayload(hash string) map[string]any {
	return map[string]any{
		"canonical_hash":    hash,
		"byte_length":       8,
		"source_descriptor": "disk-image:/dev/sda",
	}
}

const testHash = "e6a63bbb4d9c1f5c60e30d1e600c1f1f0a92a02db947b80e3a1f46f9b7b33a77"

func mustGenesis(t *testing.T, l *Ledger) Artifact {
	t.Helper()
	ctx := context.Background()
	a, deduped, err := l.RegisterArtifact(ctx, testHash, "sha512-side", 8, "application/octet-stream")
	require.NoError(t, err)
	require.False(t, deduped)
	_, err = l.AppendGenesis(ctx, a.ArtifactID, "examiner-1", acquiredPayload(testHash))
	require.NoError(t, err)
	return a
}

func TestGenesisEvent(t *testing.T) {
	l, _ := testLedger(t)
	a := mustGenesis(t, l)

	tail, err := l.Tail(context.Background(), a.ArtifactID)
	require.NoError(t, err)
	require.NotNil(t, tail)
	assert.Equal(t, uint64(0), tail.Seq)
	assert.Equal(t, KindAcquired, tail.Kind)
	assert.Equal(t, ZeroHash, tail.PrevHash)
	assert.Len(t, tail.SelfHash, 64)
}

func TestGenesisIsCreateIfAbsent(t *testing.T) {
	l, _ := testLedger(t)
	a := mustGenesis(t, l)

	_, err := l.AppendGenesis(context.Background(), a.ArtifactID, "examiner-2", acquiredPayload(testHash))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeStaleChain))
}

func TestAppendChainsToTail(t *testing.T) {
	l, _ := testLedger(t)
	a := mustGenesis(t, l)
	ctx := context.Background()

	ev, err := l.Append(ctx, a.ArtifactID, KindAnnotated, "examiner-1",
		map[string]any{"note": "received at lab"}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Seq)

	genesis, err := l.Tail(ctx, a.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, ev.SelfHash, genesis.SelfHash)

	res, err := l.Verify(ctx, a.ArtifactID)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestAppendStaleChain(t *testing.T) {
	l, _ := testLedger(t)
	a := mustGenesis(t, l)
	ctx := context.Background()

	// Two appenders both observed tail seq 0; the second must lose.
	_, err := l.Append(ctx, a.ArtifactID, KindAnnotated, "alice", map[string]any{"note": "a"}, 0)
	require.NoError(t, err)

	_, err = l.Append(ctx, a.ArtifactID, KindAnnotated, "bob", map[string]any{"note": "b"}, 0)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeStaleChain))

	// After re-reading the tail, the loser succeeds with the next slot.
	ev, err := l.Append(ctx, a.ArtifactID, KindAnnotated, "bob", map[string]any{"note": "b"}, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ev.Seq)
}

func TestAppendAutoRecoversFromRace(t *testing.T) {
	l, _ := testLedger(t)
	a := mustGenesis(t, l)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.AppendAuto(ctx, a.ArtifactID, KindAnnotated, "worker", map[string]any{"note": "n"})
		require.NoError(t, err)
	}
	tail, err := l.Tail(ctx, a.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), tail.Seq)
}

func TestSealedArtifactRejectsAppends(t *testing.T) {
	l, _ := testLedger(t)
	a := mustGenesis(t, l)
	ctx := context.Background()

	_, err := l.Append(ctx, a.ArtifactID, KindClosed, "examiner-1", map[string]any{"reason": "case closed"}, 0)
	require.NoError(t, err)

	_, err = l.Append(ctx, a.ArtifactID, KindAnnotated, "examiner-1", map[string]any{"note": "late"}, 1)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeSealed))

	// SEAL_VERIFIED remains appendable after sealing.
	_, err = l.Append(ctx, a.ArtifactID, KindSealVerified, "auditor",
		map[string]any{"verifier": "auditor", "verified_at": "2026-03-15T00:00:00Z", "chain_ok": true}, 1)
	require.NoError(t, err)
}

func TestSealEnforcedFromTailWhenFlagLost(t *testing.T) {
	l, store := testLedger(t)
	a := mustGenesis(t, l)
	ctx := context.Background()

	_, err := l.Append(ctx, a.ArtifactID, KindClosed, "examiner-1", map[string]any{"reason": "case closed"}, 0)
	require.NoError(t, err)

	// Simulate the seal flag write failing after CLOSED committed.
	store.mu.Lock()
	unsealed := store.artifacts[a.ArtifactID]
	unsealed.Sealed = false
	store.artifacts[a.ArtifactID] = unsealed
	store.mu.Unlock()

	// The CLOSED tail alone must reject the append.
	_, err = l.Append(ctx, a.ArtifactID, KindAnnotated, "examiner-1", map[string]any{"note": "late"}, 1)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeSealed))

	// SEAL_VERIFIED lands and restores the flag before moving the tail.
	ev, err := l.Append(ctx, a.ArtifactID, KindSealVerified, "auditor",
		map[string]any{"verifier": "auditor", "verified_at": "2026-03-15T00:00:00Z", "chain_ok": true}, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ev.Seq)

	repaired, err := l.GetArtifact(ctx, a.ArtifactID)
	require.NoError(t, err)
	assert.True(t, repaired.Sealed)

	_, err = l.Append(ctx, a.ArtifactID, KindAnnotated, "examiner-1", map[string]any{"note": "later"}, 2)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeSealed))
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	l, store := testLedger(t)
	a := mustGenesis(t, l)
	ctx := context.Background()

	_, err := l.Append(ctx, a.ArtifactID, KindAnnotated, "examiner-1", map[string]any{"note": "original"}, 0)
	require.NoError(t, err)

	store.tamper(a.ArtifactID, 1, func(ev *Event) {
		ev.Payload["note"] = "doctored"
	})

	res, err := l.Verify(ctx, a.ArtifactID)
	require.NoError(t, err)
	assert.False(t, res.OK)
	require.NotNil(t, res.FirstBadSeq)
	assert.Equal(t, uint64(1), *res.FirstBadSeq)
}

func TestVerifyDetectsSeqGap(t *testing.T) {
	l, store := testLedger(t)
	a := mustGenesis(t, l)
	ctx := context.Background()

	_, err := l.Append(ctx, a.ArtifactID, KindAnnotated, "x", map[string]any{"note": "1"}, 0)
	require.NoError(t, err)

	// Simulate an out-of-band insert that skipped a slot.
	rogue := Event{ArtifactID: a.ArtifactID, Seq: 3, Kind: KindAnnotated, Actor: "x",
		Timestamp: time.Now().UTC(), Payload: map[string]any{"note": "rogue"}, PrevHash: ZeroHash}
	rogue.SelfHash, _ = ComputeSelfHash(&rogue)
	require.NoError(t, store.InsertEvent(ctx, rogue))

	res, err := l.Verify(ctx, a.ArtifactID)
	require.NoError(t, err)
	assert.False(t, res.OK)
	require.NotNil(t, res.FirstBadSeq)
	assert.Equal(t, uint64(2), *res.FirstBadSeq)
}

func TestRegisterArtifactDeduplicates(t *testing.T) {
	l, _ := testLedger(t)
	a := mustGenesis(t, l)

	dup, deduped, err := l.RegisterArtifact(context.Background(), testHash, "sha512-side", 8, "")
	require.NoError(t, err)
	assert.True(t, deduped)
	assert.Equal(t, a.ArtifactID, dup.ArtifactID)
}

func TestPayloadSchemaRejectsMissingFields(t *testing.T) {
	l, _ := testLedger(t)
	a := mustGenesis(t, l)

	_, err := l.Append(context.Background(), a.ArtifactID, KindExported, "examiner-1",
		map[string]any{"recipient": "court"}, 0) // export_hash missing
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))
}

func TestAppendRejectsUnknownKind(t *testing.T) {
	l, _ := testLedger(t)
	a := mustGenesis(t, l)

	_, err := l.Append(context.Background(), a.ArtifactID, Kind("SHREDDED"), "examiner-1",
		map[string]any{}, 0)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeInvalidKind))
}

func TestSelfHashDeterministic(t *testing.T) {
	ev := Event{
		ArtifactID: "a",
		Seq:        0,
		Kind:       KindAcquired,
		Actor:      "examiner-1",
		Timestamp:  time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Payload:    acquiredPayload(testHash),
		PrevHash:   ZeroHash,
	}
	h1, err := ComputeSelfHash(&ev)
	require.NoError(t, err)
	h2, err := ComputeSelfHash(&ev)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// Any field change must change the hash.
	ev.Actor = "examiner-2"
	h3, err := ComputeSelfHash(&ev)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestFindAnalyzedByIdempotencyKey(t *testing.T) {
	l, _ := testLedger(t)
	a := mustGenesis(t, l)
	ctx := context.Background()

	digest := "d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1"
	_, err := l.Append(ctx, a.ArtifactID, KindAnalyzed, "worker-1", map[string]any{
		"pipeline_name": "triage",
		"step_name":     "identify",
		"params_digest": digest,
		"result_ref":    "blob://abc",
	}, 0)
	require.NoError(t, err)

	found, err := l.FindAnalyzed(ctx, a.ArtifactID, "triage", "identify", digest)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "blob://abc", found.Payload["result_ref"])

	missing, err := l.FindAnalyzed(ctx, a.ArtifactID, "triage", "extract", digest)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
