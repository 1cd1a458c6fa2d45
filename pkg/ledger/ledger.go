package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/caseward/ecl/pkg/errs"
)

// Ledger provides the custody-chain operations over a Store.
// Concurrent appenders cooperate through the expected-prev-seq check: at
// most one wins each sequence slot, the loser re-reads the tail and retries.
type Ledger struct {
	store  Store
	clock  func() time.Time
	logger *slog.Logger

	// casAttempts bounds local retries in AppendAuto.
	casAttempts int
	casBackoff  time.Duration
}

// New creates a Ledger over the given store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:       store,
		clock:       time.Now,
		logger:      logger,
		casAttempts: 5,
		casBackoff:  25 * time.Millisecond,
	}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// RegisterArtifact creates the artifact record, deduplicating on canonical
// hash: when another artifact already owns the hash, the existing artifact
// is returned with deduped=true and nothing is written.
func (l *Ledger) RegisterArtifact(ctx context.Context, canonicalHash, secondaryHash string, byteLength int64, mimeHint string) (Artifact, bool, error) {
	a := Artifact{
		ArtifactID:    uuid.NewString(),
		CanonicalHash: canonicalHash,
		SecondaryHash: secondaryHash,
		ByteLength:    byteLength,
		MimeHint:      mimeHint,
		CreatedAt:     l.clock().UTC(),
	}
	err := l.store.CreateArtifact(ctx, a)
	if err == nil {
		return a, false, nil
	}
	if errors.Is(err, ErrDuplicateHash) {
		existing, getErr := l.store.GetArtifactByHash(ctx, canonicalHash)
		if getErr != nil {
			return Artifact{}, false, errs.Wrap(getErr, errs.KindUnavailable, errs.CodeUnavailable, "dedup lookup failed")
		}
		return existing, true, nil
	}
	return Artifact{}, false, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "artifact create failed")
}

// GetArtifact returns an artifact by id.
func (l *Ledger) GetArtifact(ctx context.Context, artifactID string) (Artifact, error) {
	a, err := l.store.GetArtifact(ctx, artifactID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Artifact{}, errs.New(errs.KindNotFound, errs.CodeNotFound, "artifact %s not found", artifactID)
		}
		return Artifact{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "artifact lookup failed")
	}
	return a, nil
}

// AppendGenesis writes the seq=0 ACQUIRED event for a freshly registered
// artifact. The (artifact_id, seq=0) primary key is the create-if-absent
// anchor: a concurrent genesis loses with StaleChain.
func (l *Ledger) AppendGenesis(ctx context.Context, artifactID, actor string, payload map[string]any) (*Event, error) {
	if err := ValidatePayload(KindAcquired, payload); err != nil {
		return nil, err
	}
	ev := Event{
		ArtifactID: artifactID,
		Seq:        0,
		Kind:       KindAcquired,
		Actor:      actor,
		Timestamp:  l.clock().UTC(),
		Payload:    payload,
		PrevHash:   ZeroHash,
	}
	var err error
	if ev.SelfHash, err = ComputeSelfHash(&ev); err != nil {
		return nil, errs.Wrap(err, errs.KindInternal, errs.CodeInternal, "genesis hash failed")
	}
	if err := l.store.InsertEvent(ctx, ev); err != nil {
		if errors.Is(err, ErrSeqTaken) {
			return nil, errs.New(errs.KindConflict, errs.CodeStaleChain, "genesis already exists for artifact %s", artifactID)
		}
		return nil, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "genesis insert failed")
	}
	return &ev, nil
}

// Append appends one event with optimistic concurrency: expectedPrevSeq
// must equal the current tail's seq, or the call fails with StaleChain and
// nothing is written.
func (l *Ledger) Append(ctx context.Context, artifactID string, kind Kind, actor string, payload map[string]any, expectedPrevSeq uint64) (*Event, error) {
	if actor == "" {
		return nil, errs.New(errs.KindInvalidArgument, errs.CodeInvalidArgument, "actor is required")
	}
	if err := ValidatePayload(kind, payload); err != nil {
		return nil, err
	}

	artifact, err := l.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if artifact.Sealed && kind != KindSealVerified {
		return nil, errs.New(errs.KindConflict, errs.CodeSealed, "artifact %s is sealed", artifactID)
	}

	tail, err := l.store.Tail(ctx, artifactID)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "tail read failed")
	}
	if tail == nil {
		return nil, errs.New(errs.KindConflict, errs.CodeStaleChain, "artifact %s has no genesis event", artifactID)
	}
	// The tail carries the seal authoritatively: the artifact flag is written
	// after the CLOSED event and may lag or be lost.
	if tail.Kind == KindClosed {
		if kind != KindSealVerified {
			return nil, errs.New(errs.KindConflict, errs.CodeSealed, "artifact %s is sealed", artifactID)
		}
		if !artifact.Sealed {
			// Repair a seal flag lost to a failed write after CLOSED. The
			// SEAL_VERIFIED event may not move the tail past CLOSED until
			// the flag is durable again.
			if err := l.store.SealArtifact(ctx, artifactID); err != nil {
				return nil, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "seal repair failed")
			}
		}
	}
	if tail.Seq != expectedPrevSeq {
		return nil, errs.New(errs.KindConflict, errs.CodeStaleChain,
			"expected prev seq %d but tail is %d", expectedPrevSeq, tail.Seq)
	}

	ev := Event{
		ArtifactID: artifactID,
		Seq:        tail.Seq + 1,
		Kind:       kind,
		Actor:      actor,
		Timestamp:  l.clock().UTC(),
		Payload:    payload,
		PrevHash:   tail.SelfHash,
	}
	if ev.SelfHash, err = ComputeSelfHash(&ev); err != nil {
		return nil, errs.Wrap(err, errs.KindInternal, errs.CodeInternal, "event hash failed")
	}

	if err := l.store.InsertEvent(ctx, ev); err != nil {
		if errors.Is(err, ErrSeqTaken) {
			// Lost the CAS race: another appender claimed the slot.
			return nil, errs.New(errs.KindConflict, errs.CodeStaleChain, "seq %d already written", ev.Seq)
		}
		return nil, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "event insert failed")
	}

	if kind == KindClosed {
		if err := l.store.SealArtifact(ctx, artifactID); err != nil {
			// Event is committed; seal is monotone and re-derivable from CLOSED.
			l.logger.Error("seal after CLOSED failed", "artifact_id", artifactID, "error", err)
		}
	}
	return &ev, nil
}

// AppendAuto appends with bounded local StaleChain retries, re-reading the
// tail before each attempt. Internal writers (ingest commit, pipeline steps)
// use this; the HTTP surface exposes the explicit expectedPrevSeq form.
func (l *Ledger) AppendAuto(ctx context.Context, artifactID string, kind Kind, actor string, payload map[string]any) (*Event, error) {
	var lastErr error
	for attempt := 0; attempt < l.casAttempts; attempt++ {
		tail, err := l.store.Tail(ctx, artifactID)
		if err != nil {
			return nil, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "tail read failed")
		}
		if tail == nil {
			return nil, errs.New(errs.KindConflict, errs.CodeStaleChain, "artifact %s has no genesis event", artifactID)
		}
		ev, err := l.Append(ctx, artifactID, kind, actor, payload, tail.Seq)
		if err == nil {
			return ev, nil
		}
		if !errs.IsCode(err, errs.CodeStaleChain) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(ctx.Err(), errs.KindDeadlineExceeded, errs.CodeDeadlineExceeded, "append cancelled")
		case <-time.After(l.casBackoff * time.Duration(attempt+1)):
		}
	}
	return nil, lastErr
}

// Tail returns the newest event of the artifact, or nil when the artifact
// has no events.
func (l *Ledger) Tail(ctx context.Context, artifactID string) (*Event, error) {
	tail, err := l.store.Tail(ctx, artifactID)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "tail read failed")
	}
	return tail, nil
}

// History streams the chain in seq order.
func (l *Ledger) History(ctx context.Context, artifactID string, fn func(Event) error) error {
	if _, err := l.GetArtifact(ctx, artifactID); err != nil {
		return err
	}
	return l.store.History(ctx, artifactID, fn)
}

// FindAnalyzed returns the ANALYZED event matching the idempotency key
// (pipeline_name, step_name, params_digest), or nil. The executor uses this
// to short-circuit completed steps across retries.
func (l *Ledger) FindAnalyzed(ctx context.Context, artifactID, pipelineName, stepName, paramsDigest string) (*Event, error) {
	var found *Event
	err := l.store.History(ctx, artifactID, func(ev Event) error {
		if ev.Kind != KindAnalyzed {
			return nil
		}
		if ev.Payload["pipeline_name"] == pipelineName &&
			ev.Payload["step_name"] == stepName &&
			ev.Payload["params_digest"] == paramsDigest {
			cp := ev
			found = &cp
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "history walk failed")
	}
	return found, nil
}
