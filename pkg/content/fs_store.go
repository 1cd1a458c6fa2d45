package content

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/caseward/ecl/pkg/canonicalize"
	"github.com/caseward/ecl/pkg/errs"
)

// FileStore is a filesystem-backed Store.
//
// Layout under baseDir:
//
//	staging/{session_id}/{index}.chunk
//	blob/{canonical_hash}
//	blob/{canonical_hash}.sha512
type FileStore struct {
	baseDir string
	// chunkBudget caps the number of staged chunks per session; zero
	// disables the cap.
	chunkBudget int
}

// NewFileStore creates the store directories under baseDir.
func NewFileStore(baseDir string, chunkBudget int) (*FileStore, error) {
	for _, dir := range []string{filepath.Join(baseDir, "staging"), filepath.Join(baseDir, "blob")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to ensure content dir: %w", err)
		}
	}
	return &FileStore{baseDir: baseDir, chunkBudget: chunkBudget}, nil
}

func (s *FileStore) stagingDir(sessionID string) string {
	return filepath.Join(s.baseDir, "staging", sessionID)
}

func (s *FileStore) chunkPath(sessionID string, index int) string {
	return filepath.Join(s.stagingDir(sessionID), strconv.Itoa(index)+".chunk")
}

func (s *FileStore) blobPath(canonicalHash string) string {
	return filepath.Join(s.baseDir, "blob", canonicalHash)
}

// PutChunk verifies the declared SHA-256 and durably writes the chunk.
// Re-putting an identical chunk is a no-op; a different payload for an
// occupied index is a DuplicateIndex conflict.
func (s *FileStore) PutChunk(ctx context.Context, sessionID string, index int, data []byte, declaredHash string) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, errs.KindDeadlineExceeded, errs.CodeDeadlineExceeded, "put_chunk aborted")
	}
	actual := canonicalize.HashBytes(data)
	if !strings.EqualFold(actual, declaredHash) {
		return errs.New(errs.KindIntegrityViolation, errs.CodeHashMismatch,
			"chunk %d hash mismatch: declared %s, computed %s", index, declaredHash, actual)
	}

	path := s.chunkPath(sessionID, index)
	if existing, err := os.ReadFile(path); err == nil {
		if canonicalize.HashBytes(existing) == actual {
			return nil // idempotent re-put
		}
		return errs.New(errs.KindConflict, errs.CodeDuplicateIndex,
			"chunk index %d already staged with different content", index)
	}

	if s.chunkBudget > 0 {
		entries, err := os.ReadDir(s.stagingDir(sessionID))
		if err == nil && len(entries) >= s.chunkBudget {
			return errs.New(errs.KindResourceExhausted, errs.CodeChunkBudget,
				"session %s exceeds open chunk budget of %d", sessionID, s.chunkBudget)
		}
	}

	if err := os.MkdirAll(s.stagingDir(sessionID), 0o755); err != nil {
		return errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "staging dir create failed")
	}
	// Write to temp then rename so a crash mid-put leaves no observable chunk.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "chunk write failed")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "chunk commit failed")
	}
	return nil
}

// StagedChunks lists staged chunks in index order.
func (s *FileStore) StagedChunks(ctx context.Context, sessionID string) ([]ChunkInfo, error) {
	entries, err := os.ReadDir(s.stagingDir(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "staging list failed")
	}
	var chunks []ChunkInfo
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".chunk") {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSuffix(name, ".chunk"))
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "staging stat failed")
		}
		chunks = append(chunks, ChunkInfo{Index: index, ByteLength: info.Size()})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

// Finalize concatenates chunks 0..N-1 through SHA-256 and SHA-512 into an
// immutable blob. On dedup the existing identity is returned and staging is
// cleared. Missing indices fail with IncompleteSession and change nothing.
func (s *FileStore) Finalize(ctx context.Context, sessionID string, expectedTotalChunks int) (FinalizeResult, error) {
	chunks, err := s.StagedChunks(ctx, sessionID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if err := checkGapless(chunks, expectedTotalChunks); err != nil {
		return FinalizeResult{}, err
	}

	tmp, err := os.CreateTemp(filepath.Join(s.baseDir, "blob"), "finalize-*.tmp")
	if err != nil {
		return FinalizeResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "finalize temp create failed")
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	primary := sha256.New()
	secondary := sha512.New()
	sink := io.MultiWriter(tmp, primary, secondary)

	var total int64
	for i := 0; i < expectedTotalChunks; i++ {
		if err := ctx.Err(); err != nil {
			_ = tmp.Close()
			return FinalizeResult{}, errs.Wrap(err, errs.KindDeadlineExceeded, errs.CodeDeadlineExceeded, "finalize aborted")
		}
		f, err := os.Open(s.chunkPath(sessionID, i))
		if err != nil {
			_ = tmp.Close()
			return FinalizeResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "chunk open failed")
		}
		n, err := io.Copy(sink, f)
		_ = f.Close()
		if err != nil {
			_ = tmp.Close()
			return FinalizeResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "chunk copy failed")
		}
		total += n
	}
	if err := tmp.Close(); err != nil {
		return FinalizeResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "finalize flush failed")
	}

	canonicalHash := hex.EncodeToString(primary.Sum(nil))
	secondaryHash := hex.EncodeToString(secondary.Sum(nil))
	result := FinalizeResult{CanonicalHash: canonicalHash, SecondaryHash: secondaryHash, ByteLength: total}

	blobPath := s.blobPath(canonicalHash)
	if _, err := os.Stat(blobPath); err == nil {
		result.Deduped = true
		_ = s.DeleteStaging(ctx, sessionID)
		return result, nil
	}

	// Rename is the atomicity point: readers either see the whole blob or
	// no blob.
	if err := os.Rename(tmpPath, blobPath); err != nil {
		return FinalizeResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "blob commit failed")
	}
	if err := os.WriteFile(blobPath+".sha512", []byte(secondaryHash), 0o644); err != nil {
		return FinalizeResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "sha512 side record failed")
	}
	_ = s.DeleteStaging(ctx, sessionID)
	return result, nil
}

// OpenStream opens a lazy reader over a finalized blob. Callers may reopen
// at any time; the blob is immutable.
func (s *FileStore) OpenStream(ctx context.Context, canonicalHash string) (io.ReadCloser, error) {
	if _, err := hex.DecodeString(canonicalHash); err != nil {
		return nil, errs.New(errs.KindInvalidArgument, errs.CodeInvalidArgument, "invalid canonical hash %q", canonicalHash)
	}
	f, err := os.Open(s.blobPath(canonicalHash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.KindNotFound, errs.CodeNotFound, "no blob for hash %s", canonicalHash)
		}
		return nil, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "blob open failed")
	}
	return f, nil
}

// Exists reports whether a finalized blob is present.
func (s *FileStore) Exists(ctx context.Context, canonicalHash string) (bool, error) {
	_, err := os.Stat(s.blobPath(canonicalHash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "blob stat failed")
}

// DeleteStaging removes every staged chunk of the session.
func (s *FileStore) DeleteStaging(ctx context.Context, sessionID string) error {
	if err := os.RemoveAll(s.stagingDir(sessionID)); err != nil {
		return errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "staging delete failed")
	}
	return nil
}

// checkGapless enforces invariant 6: indices [0..N-1], dense, no extras.
func checkGapless(chunks []ChunkInfo, expected int) error {
	if len(chunks) != expected {
		return errs.New(errs.KindInvalidArgument, errs.CodeIncompleteSession,
			"expected %d chunks, found %d", expected, len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			return errs.New(errs.KindInvalidArgument, errs.CodeIncompleteSession,
				"missing chunk index %d", i)
		}
	}
	return nil
}
