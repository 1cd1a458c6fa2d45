// Package ingest coordinates chunked artifact uploads: open a session,
// stage chunks, commit into a canonical artifact with its genesis custody
// event, or abort.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the lifecycle of an ingest session.
type State string

const (
	StateOpen       State = "OPEN"
	StateCommitting State = "COMMITTING"
	StateCommitted  State = "COMMITTED"
	StateAborted    State = "ABORTED"
)

// Session is the transient parent of staged chunks.
type Session struct {
	SessionID           string    `json:"session_id"`
	DeclaredTotalChunks int       `json:"declared_total_chunks"`
	DeclaredTotalBytes  int64     `json:"declared_total_bytes,omitempty"`
	SourceDescriptor    string    `json:"source_descriptor"`
	OpenerActor         string    `json:"opener_actor"`
	State               State     `json:"state"`
	ArtifactID          string    `json:"artifact_id,omitempty"`
	CanonicalHash       string    `json:"canonical_hash,omitempty"`
	Deduped             bool      `json:"deduped,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	OpenedAt            time.Time `json:"opened_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	ClosedAt            time.Time `json:"closed_at,omitempty"`
}

// Storage sentinels.
var (
	ErrNotFound   = errors.New("session not found")
	ErrStaleState = errors.New("session state changed concurrently")
)

// SessionStore persists sessions. Transition is a conditional write: it
// succeeds only when the stored state equals from, which serializes
// concurrent commit/abort attempts.
type SessionStore interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, sessionID string) (Session, error)
	// Transition applies update and moves state from -> to, failing with
	// ErrStaleState when the stored state is not from.
	Transition(ctx context.Context, sessionID string, from, to State, update func(*Session)) (Session, error)
	// Touch refreshes UpdatedAt for TTL accounting.
	Touch(ctx context.Context, sessionID string, now time.Time) error
	// ListIdleOpen returns OPEN sessions not touched since cutoff.
	ListIdleOpen(ctx context.Context, cutoff time.Time) ([]Session, error)
}

// MemorySessionStore is an in-memory SessionStore.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]Session)}
}

func (s *MemorySessionStore) Create(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.SessionID]; exists {
		return ErrStaleState
	}
	s.sessions[sess.SessionID] = sess
	return nil
}

func (s *MemorySessionStore) Get(ctx context.Context, sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemorySessionStore) Transition(ctx context.Context, sessionID string, from, to State, update func(*Session)) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if sess.State != from {
		return Session{}, ErrStaleState
	}
	sess.State = to
	if update != nil {
		update(&sess)
	}
	s.sessions[sessionID] = sess
	return sess, nil
}

func (s *MemorySessionStore) Touch(ctx context.Context, sessionID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.UpdatedAt = now
	s.sessions[sessionID] = sess
	return nil
}

func (s *MemorySessionStore) ListIdleOpen(ctx context.Context, cutoff time.Time) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var idle []Session
	for _, sess := range s.sessions {
		if sess.State == StateOpen && sess.UpdatedAt.Before(cutoff) {
			idle = append(idle, sess)
		}
	}
	return idle, nil
}
