package ledger

import (
	"context"

	"github.com/caseward/ecl/pkg/errs"
)

// VerifyResult reports the outcome of a chain verification walk.
type VerifyResult struct {
	OK          bool    `json:"ok"`
	FirstBadSeq *uint64 `json:"first_bad_seq,omitempty"`
}

// Verify walks the artifact's chain in seq order, recomputing every
// self-hash and checking each prev_hash against its predecessor. It stops
// at the first broken link.
func (l *Ledger) Verify(ctx context.Context, artifactID string) (VerifyResult, error) {
	if _, err := l.GetArtifact(ctx, artifactID); err != nil {
		return VerifyResult{}, err
	}

	var (
		bad      *uint64
		prevHash = ZeroHash
		nextSeq  uint64
	)
	walkErr := l.store.History(ctx, artifactID, func(ev Event) error {
		if bad != nil {
			return errStopWalk
		}
		if ev.Seq != nextSeq {
			// Gap or misordering counts as a break at the expected slot.
			seq := nextSeq
			bad = &seq
			return errStopWalk
		}
		if ev.Seq == 0 && ev.Kind != KindAcquired {
			seq := ev.Seq
			bad = &seq
			return errStopWalk
		}
		if ev.PrevHash != prevHash {
			seq := ev.Seq
			bad = &seq
			return errStopWalk
		}
		computed, err := ComputeSelfHash(&ev)
		if err != nil || computed != ev.SelfHash {
			seq := ev.Seq
			bad = &seq
			return errStopWalk
		}
		prevHash = ev.SelfHash
		nextSeq = ev.Seq + 1
		return nil
	})
	if walkErr != nil && walkErr != errStopWalk {
		return VerifyResult{}, errs.Wrap(walkErr, errs.KindUnavailable, errs.CodeUnavailable, "verify walk failed")
	}
	if bad != nil {
		return VerifyResult{OK: false, FirstBadSeq: bad}, nil
	}
	return VerifyResult{OK: true}, nil
}

// VerifyAll verifies every artifact and returns the ids whose chain failed.
func (l *Ledger) VerifyAll(ctx context.Context) (map[string]VerifyResult, error) {
	ids, err := l.store.ListArtifactIDs(ctx)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "artifact listing failed")
	}
	results := make(map[string]VerifyResult, len(ids))
	for _, id := range ids {
		res, err := l.Verify(ctx, id)
		if err != nil {
			return nil, err
		}
		results[id] = res
	}
	return results, nil
}

// errStopWalk terminates a history walk early without signaling failure.
var errStopWalk = errs.New(errs.KindInternal, errs.CodeInternal, "stop walk")
