package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Storage sentinels. The service layer translates these into the
// taxonomy in pkg/errs.
var (
	// ErrNotFound is returned when an artifact or event does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSeqTaken is returned when (artifact_id, seq) already exists.
	ErrSeqTaken = errors.New("sequence slot taken")
	// ErrDuplicateHash is returned when another artifact already owns the
	// canonical hash.
	ErrDuplicateHash = errors.New("canonical hash already registered")
)

// Store is the durable substrate of the ledger. Implementations expose
// insert-only event persistence; no update or delete of events exists
// anywhere in this interface.
type Store interface {
	// CreateArtifact registers a new artifact. Fails with ErrDuplicateHash
	// when the canonical hash is already owned by another artifact.
	CreateArtifact(ctx context.Context, a Artifact) error

	// GetArtifact returns an artifact by id, or ErrNotFound.
	GetArtifact(ctx context.Context, artifactID string) (Artifact, error)

	// GetArtifactByHash returns the artifact owning canonicalHash, or ErrNotFound.
	GetArtifactByHash(ctx context.Context, canonicalHash string) (Artifact, error)

	// SealArtifact marks the artifact sealed. Sealing is monotone; sealing
	// a sealed artifact is a no-op.
	SealArtifact(ctx context.Context, artifactID string) error

	// InsertEvent persists one event under the (artifact_id, seq) primary
	// key. A conflicting insert fails with ErrSeqTaken and writes nothing.
	InsertEvent(ctx context.Context, ev Event) error

	// Tail returns the highest-seq event of the artifact, or nil.
	Tail(ctx context.Context, artifactID string) (*Event, error)

	// History streams events in seq order through fn; fn returning an
	// error stops the walk.
	History(ctx context.Context, artifactID string, fn func(Event) error) error

	// ListArtifactIDs returns all artifact ids, for verification sweeps.
	ListArtifactIDs(ctx context.Context) ([]string, error)
}

// MemoryStore is an in-memory Store for tests and single-process embedding.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]Artifact
	byHash    map[string]string
	events    map[string][]Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts: make(map[string]Artifact),
		byHash:    make(map[string]string),
		events:    make(map[string][]Event),
	}
}

func (s *MemoryStore) CreateArtifact(ctx context.Context, a Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byHash[a.CanonicalHash]; exists {
		return ErrDuplicateHash
	}
	if _, exists := s.artifacts[a.ArtifactID]; exists {
		return ErrDuplicateHash
	}
	s.artifacts[a.ArtifactID] = a
	s.byHash[a.CanonicalHash] = a.ArtifactID
	return nil
}

func (s *MemoryStore) GetArtifact(ctx context.Context, artifactID string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[artifactID]
	if !ok {
		return Artifact{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) GetArtifactByHash(ctx context.Context, canonicalHash string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[canonicalHash]
	if !ok {
		return Artifact{}, ErrNotFound
	}
	return s.artifacts[id], nil
}

func (s *MemoryStore) SealArtifact(ctx context.Context, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[artifactID]
	if !ok {
		return ErrNotFound
	}
	a.Sealed = true
	s.artifacts[artifactID] = a
	return nil
}

func (s *MemoryStore) InsertEvent(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.events[ev.ArtifactID]
	for _, existing := range chain {
		if existing.Seq == ev.Seq {
			return ErrSeqTaken
		}
	}
	s.events[ev.ArtifactID] = append(chain, ev)
	sort.Slice(s.events[ev.ArtifactID], func(i, j int) bool {
		return s.events[ev.ArtifactID][i].Seq < s.events[ev.ArtifactID][j].Seq
	})
	return nil
}

func (s *MemoryStore) Tail(ctx context.Context, artifactID string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.events[artifactID]
	if len(chain) == 0 {
		return nil, nil
	}
	ev := chain[len(chain)-1]
	return &ev, nil
}

func (s *MemoryStore) History(ctx context.Context, artifactID string, fn func(Event) error) error {
	s.mu.RLock()
	chain := make([]Event, len(s.events[artifactID]))
	copy(chain, s.events[artifactID])
	s.mu.RUnlock()

	for _, ev := range chain {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) ListArtifactIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.artifacts))
	for id := range s.artifacts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// tamper overwrites a stored event in place. It exists only for integrity
// tests that simulate external modification of the storage layer.
func (s *MemoryStore) tamper(artifactID string, seq uint64, mutate func(*Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.events[artifactID]
	for i := range chain {
		if chain[i].Seq == seq {
			mutate(&chain[i])
			return
		}
	}
}
