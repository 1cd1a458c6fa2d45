package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/caseward/ecl/pkg/content"
	"github.com/caseward/ecl/pkg/errs"
	"github.com/caseward/ecl/pkg/ledger"
)

// CommitResult is the outcome of a successful (or idempotent repeat) commit.
type CommitResult struct {
	ArtifactID    string `json:"artifact_id"`
	CanonicalHash string `json:"canonical_hash"`
	Deduped       bool   `json:"deduped"`
}

// Coordinator drives the ingest session state machine:
//
//	open --put_chunk*--> OPEN --commit--> COMMITTING --done--> COMMITTED
//	                      |                        |
//	                      +--abort--> ABORTED      +--fail--> OPEN
type Coordinator struct {
	sessions SessionStore
	store    content.Store
	chain    *ledger.Ledger
	logger   *slog.Logger
	clock    func() time.Time
}

// NewCoordinator wires the coordinator to its collaborators.
func NewCoordinator(sessions SessionStore, store content.Store, chain *ledger.Ledger, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{sessions: sessions, store: store, chain: chain, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Open starts a new OPEN session.
func (c *Coordinator) Open(ctx context.Context, declaredTotalChunks int, declaredTotalBytes int64, openerActor, sourceDescriptor string) (string, error) {
	if declaredTotalChunks < 1 {
		return "", errs.New(errs.KindInvalidArgument, errs.CodeInvalidArgument,
			"declared_total_chunks must be >= 1, got %d", declaredTotalChunks)
	}
	if openerActor == "" {
		return "", errs.New(errs.KindInvalidArgument, errs.CodeInvalidArgument, "opener actor is required")
	}
	if sourceDescriptor == "" {
		return "", errs.New(errs.KindInvalidArgument, errs.CodeInvalidArgument, "source_descriptor is required")
	}
	now := c.clock().UTC()
	sess := Session{
		SessionID:           uuid.NewString(),
		DeclaredTotalChunks: declaredTotalChunks,
		DeclaredTotalBytes:  declaredTotalBytes,
		SourceDescriptor:    sourceDescriptor,
		OpenerActor:         openerActor,
		State:               StateOpen,
		OpenedAt:            now,
		UpdatedAt:           now,
	}
	if err := c.sessions.Create(ctx, sess); err != nil {
		return "", errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "session create failed")
	}
	return sess.SessionID, nil
}

// PutChunk stages one chunk for an OPEN session.
func (c *Coordinator) PutChunk(ctx context.Context, sessionID string, index int, data []byte, declaredHash string) error {
	sess, err := c.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State != StateOpen {
		return errs.New(errs.KindConflict, errs.CodeSessionClosed,
			"session %s is %s, not OPEN", sessionID, sess.State)
	}
	if index < 0 || index >= sess.DeclaredTotalChunks {
		return errs.New(errs.KindInvalidArgument, errs.CodeInvalidArgument,
			"chunk index %d outside [0,%d)", index, sess.DeclaredTotalChunks)
	}
	if err := c.store.PutChunk(ctx, sessionID, index, data, declaredHash); err != nil {
		return err
	}
	if err := c.sessions.Touch(ctx, sessionID, c.clock().UTC()); err != nil && !errors.Is(err, ErrNotFound) {
		c.logger.Warn("session touch failed", "session_id", sessionID, "error", err)
	}
	return nil
}

// Commit finalizes the session into an artifact and writes the ACQUIRED
// custody event. Committing a COMMITTED session is idempotent and returns
// the original result.
func (c *Coordinator) Commit(ctx context.Context, sessionID string) (CommitResult, error) {
	sess, err := c.getSession(ctx, sessionID)
	if err != nil {
		return CommitResult{}, err
	}

	switch sess.State {
	case StateCommitted:
		return CommitResult{ArtifactID: sess.ArtifactID, CanonicalHash: sess.CanonicalHash, Deduped: sess.Deduped}, nil
	case StateAborted:
		return CommitResult{}, errs.New(errs.KindConflict, errs.CodeSessionClosed, "session %s is aborted", sessionID)
	case StateCommitting:
		return CommitResult{}, errs.New(errs.KindConflict, errs.CodeSessionClosed, "session %s commit already in progress", sessionID)
	}

	if _, err := c.sessions.Transition(ctx, sessionID, StateOpen, StateCommitting, func(s *Session) {
		s.UpdatedAt = c.clock().UTC()
	}); err != nil {
		if errors.Is(err, ErrStaleState) {
			// Lost the race; re-read and let the new state decide.
			return c.Commit(ctx, sessionID)
		}
		return CommitResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "commit transition failed")
	}

	result, err := c.finalizeAndRecord(ctx, sess)
	if err != nil {
		// Roll back to OPEN so the caller can repair and retry.
		if _, trErr := c.sessions.Transition(ctx, sessionID, StateCommitting, StateOpen, func(s *Session) {
			s.LastError = err.Error()
			s.UpdatedAt = c.clock().UTC()
		}); trErr != nil {
			c.logger.Error("commit rollback failed", "session_id", sessionID, "error", trErr)
		}
		return CommitResult{}, err
	}

	if _, err := c.sessions.Transition(ctx, sessionID, StateCommitting, StateCommitted, func(s *Session) {
		now := c.clock().UTC()
		s.ArtifactID = result.ArtifactID
		s.CanonicalHash = result.CanonicalHash
		s.Deduped = result.Deduped
		s.LastError = ""
		s.UpdatedAt = now
		s.ClosedAt = now
	}); err != nil {
		return CommitResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "commit finish failed")
	}
	return result, nil
}

func (c *Coordinator) finalizeAndRecord(ctx context.Context, sess Session) (CommitResult, error) {
	fin, err := c.store.Finalize(ctx, sess.SessionID, sess.DeclaredTotalChunks)
	if err != nil {
		return CommitResult{}, err
	}

	artifact, deduped, err := c.chain.RegisterArtifact(ctx, fin.CanonicalHash, fin.SecondaryHash, fin.ByteLength, "")
	if err != nil {
		return CommitResult{}, err
	}

	payload := map[string]any{
		"canonical_hash":    fin.CanonicalHash,
		"byte_length":       fin.ByteLength,
		"source_descriptor": sess.SourceDescriptor,
	}
	if deduped {
		// Existing artifact gains a second ACQUIRED event scoped to this
		// session's source and opener.
		if _, err := c.chain.AppendAuto(ctx, artifact.ArtifactID, ledger.KindAcquired, sess.OpenerActor, payload); err != nil {
			return CommitResult{}, err
		}
	} else {
		if _, err := c.chain.AppendGenesis(ctx, artifact.ArtifactID, sess.OpenerActor, payload); err != nil {
			return CommitResult{}, err
		}
	}
	return CommitResult{ArtifactID: artifact.ArtifactID, CanonicalHash: fin.CanonicalHash, Deduped: deduped}, nil
}

// Abort transitions an OPEN session to ABORTED and clears staging.
// Aborting an already aborted session is a no-op.
func (c *Coordinator) Abort(ctx context.Context, sessionID string) error {
	sess, err := c.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	switch sess.State {
	case StateAborted:
		return nil
	case StateCommitted, StateCommitting:
		return errs.New(errs.KindConflict, errs.CodeSessionClosed,
			"session %s is %s and cannot be aborted", sessionID, sess.State)
	}
	if _, err := c.sessions.Transition(ctx, sessionID, StateOpen, StateAborted, func(s *Session) {
		now := c.clock().UTC()
		s.UpdatedAt = now
		s.ClosedAt = now
	}); err != nil {
		if errors.Is(err, ErrStaleState) {
			return errs.New(errs.KindConflict, errs.CodeSessionClosed, "session %s state changed", sessionID)
		}
		return errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "abort transition failed")
	}
	return c.store.DeleteStaging(ctx, sessionID)
}

// Session returns the session record.
func (c *Coordinator) Session(ctx context.Context, sessionID string) (Session, error) {
	return c.getSession(ctx, sessionID)
}

// SweepExpired aborts OPEN sessions idle for longer than ttl. Returns the
// number of sessions swept.
func (c *Coordinator) SweepExpired(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := c.clock().UTC().Add(-ttl)
	idle, err := c.sessions.ListIdleOpen(ctx, cutoff)
	if err != nil {
		return 0, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "idle session listing failed")
	}
	swept := 0
	for _, sess := range idle {
		if err := c.Abort(ctx, sess.SessionID); err != nil {
			c.logger.Warn("session sweep abort failed", "session_id", sess.SessionID, "error", err)
			continue
		}
		swept++
	}
	return swept, nil
}

// RunSweeper periodically sweeps expired sessions until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.SweepExpired(ctx, ttl); err != nil {
				c.logger.Error("session sweep failed", "error", err)
			} else if n > 0 {
				c.logger.Info("swept idle ingest sessions", "count", n)
			}
		}
	}
}

func (c *Coordinator) getSession(ctx context.Context, sessionID string) (Session, error) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, errs.New(errs.KindNotFound, errs.CodeNotFound, "session %s not found", sessionID)
		}
		return Session{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "session lookup failed")
	}
	return sess, nil
}
