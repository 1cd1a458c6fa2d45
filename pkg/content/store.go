// Package content provides durable, content-addressed byte storage for
// evidence artifacts and their in-flight upload chunks.
//
// Chunks live in a staging keyspace until the owning ingest session commits;
// finalize concatenates them in index order into an immutable object keyed
// by the SHA-256 of the whole, with the SHA-512 kept as a side record.
package content

import (
	"context"
	"io"
)

// FinalizeResult identifies the canonical object produced by Finalize.
type FinalizeResult struct {
	CanonicalHash string
	SecondaryHash string
	ByteLength    int64
	// Deduped is true when an object with the same canonical hash already
	// existed; the staging copy was discarded.
	Deduped bool
}

// ChunkInfo describes one staged chunk.
type ChunkInfo struct {
	Index      int
	ByteLength int64
	ChunkHash  string
}

// Store is the contract consumed by the ingest coordinator.
//
// PutChunk is idempotent for identical (session, index, hash) triples and
// fails with a DuplicateIndex conflict when the slot holds different bytes.
// Finalize is atomic with respect to readers: a partial artifact is never
// observable under a canonical hash.
type Store interface {
	PutChunk(ctx context.Context, sessionID string, index int, data []byte, declaredHash string) error
	StagedChunks(ctx context.Context, sessionID string) ([]ChunkInfo, error)
	Finalize(ctx context.Context, sessionID string, expectedTotalChunks int) (FinalizeResult, error)
	OpenStream(ctx context.Context, canonicalHash string) (io.ReadCloser, error)
	Exists(ctx context.Context, canonicalHash string) (bool, error)
	DeleteStaging(ctx context.Context, sessionID string) error
}
