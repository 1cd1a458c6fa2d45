//go:build gcp

package content

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/caseward/ecl/pkg/canonicalize"
	"github.com/caseward/ecl/pkg/errs"
)

// GCSStore implements Store on Google Cloud Storage. Object layout matches
// the S3 backend: staging/{session}/{index}.chunk and blob/{canonical_hash}.
type GCSStore struct {
	client      *storage.Client
	bucket      string
	prefix      string
	chunkBudget int
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket      string
	Prefix      string
	ChunkBudget int
}

// NewGCSStore creates a GCS-backed content store (uses ADC credentials).
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, chunkBudget: cfg.ChunkBudget}, nil
}

func (s *GCSStore) stagingPrefix(sessionID string) string {
	return s.prefix + "staging/" + sessionID + "/"
}

func (s *GCSStore) chunkKey(sessionID string, index int) string {
	return fmt.Sprintf("%s%08d.chunk", s.stagingPrefix(sessionID), index)
}

func (s *GCSStore) blobKey(canonicalHash string) string {
	return s.prefix + "blob/" + canonicalHash
}

func (s *GCSStore) PutChunk(ctx context.Context, sessionID string, index int, data []byte, declaredHash string) error {
	actual := canonicalize.HashBytes(data)
	if !strings.EqualFold(actual, declaredHash) {
		return errs.New(errs.KindIntegrityViolation, errs.CodeHashMismatch,
			"chunk %d hash mismatch: declared %s, computed %s", index, declaredHash, actual)
	}

	obj := s.client.Bucket(s.bucket).Object(s.chunkKey(sessionID, index))
	attrs, err := obj.Attrs(ctx)
	if err == nil {
		if stored, ok := attrs.Metadata["chunk-sha256"]; ok && strings.EqualFold(stored, actual) {
			return nil
		}
		return errs.New(errs.KindConflict, errs.CodeDuplicateIndex,
			"chunk index %d already staged with different content", index)
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "gcs chunk head failed")
	}

	if s.chunkBudget > 0 {
		staged, err := s.StagedChunks(ctx, sessionID)
		if err != nil {
			return err
		}
		if len(staged) >= s.chunkBudget {
			return errs.New(errs.KindResourceExhausted, errs.CodeChunkBudget,
				"session %s exceeds open chunk budget of %d", sessionID, s.chunkBudget)
		}
	}

	w := obj.NewWriter(ctx)
	w.Metadata = map[string]string{"chunk-sha256": actual}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "gcs chunk write failed")
	}
	if err := w.Close(); err != nil {
		return errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "gcs chunk commit failed")
	}
	return nil
}

func (s *GCSStore) StagedChunks(ctx context.Context, sessionID string) ([]ChunkInfo, error) {
	prefix := s.stagingPrefix(sessionID)
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var chunks []ChunkInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "gcs staging list failed")
		}
		name := strings.TrimPrefix(attrs.Name, prefix)
		if !strings.HasSuffix(name, ".chunk") {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSuffix(name, ".chunk"))
		if err != nil {
			continue
		}
		chunks = append(chunks, ChunkInfo{Index: index, ByteLength: attrs.Size})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

func (s *GCSStore) Finalize(ctx context.Context, sessionID string, expectedTotalChunks int) (FinalizeResult, error) {
	chunks, err := s.StagedChunks(ctx, sessionID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if err := checkGapless(chunks, expectedTotalChunks); err != nil {
		return FinalizeResult{}, err
	}

	primary := sha256.New()
	secondary := sha512.New()
	var total int64
	for i := 0; i < expectedTotalChunks; i++ {
		r, err := s.client.Bucket(s.bucket).Object(s.chunkKey(sessionID, i)).NewReader(ctx)
		if err != nil {
			return FinalizeResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "gcs chunk read failed")
		}
		n, err := io.Copy(io.MultiWriter(primary, secondary), r)
		_ = r.Close()
		if err != nil {
			return FinalizeResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "gcs chunk copy failed")
		}
		total += n
	}

	canonicalHash := hex.EncodeToString(primary.Sum(nil))
	secondaryHash := hex.EncodeToString(secondary.Sum(nil))
	result := FinalizeResult{CanonicalHash: canonicalHash, SecondaryHash: secondaryHash, ByteLength: total}

	blob := s.client.Bucket(s.bucket).Object(s.blobKey(canonicalHash))
	if _, err := blob.Attrs(ctx); err == nil {
		result.Deduped = true
		_ = s.DeleteStaging(ctx, sessionID)
		return result, nil
	}

	// Second pass streams the chunks into the blob object; GCS writers
	// commit atomically on Close.
	w := blob.NewWriter(ctx)
	w.Metadata = map[string]string{"sha512": secondaryHash}
	for i := 0; i < expectedTotalChunks; i++ {
		r, err := s.client.Bucket(s.bucket).Object(s.chunkKey(sessionID, i)).NewReader(ctx)
		if err != nil {
			_ = w.Close()
			return FinalizeResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "gcs chunk reread failed")
		}
		_, err = io.Copy(w, r)
		_ = r.Close()
		if err != nil {
			_ = w.Close()
			return FinalizeResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "gcs blob write failed")
		}
	}
	if err := w.Close(); err != nil {
		return FinalizeResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "gcs blob commit failed")
	}

	sideWriter := s.client.Bucket(s.bucket).Object(s.blobKey(canonicalHash) + ".sha512").NewWriter(ctx)
	if _, err := sideWriter.Write([]byte(secondaryHash)); err != nil {
		_ = sideWriter.Close()
		return FinalizeResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "sha512 side record failed")
	}
	if err := sideWriter.Close(); err != nil {
		return FinalizeResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "sha512 side record commit failed")
	}
	_ = s.DeleteStaging(ctx, sessionID)
	return result, nil
}

func (s *GCSStore) OpenStream(ctx context.Context, canonicalHash string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.blobKey(canonicalHash)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, errs.New(errs.KindNotFound, errs.CodeNotFound, "no blob for hash %s", canonicalHash)
		}
		return nil, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "gcs blob open failed")
	}
	return r, nil
}

func (s *GCSStore) Exists(ctx context.Context, canonicalHash string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(s.blobKey(canonicalHash)).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "gcs blob head failed")
}

func (s *GCSStore) DeleteStaging(ctx context.Context, sessionID string) error {
	chunks, err := s.StagedChunks(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		err := s.client.Bucket(s.bucket).Object(s.chunkKey(sessionID, c.Index)).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "gcs staging delete failed")
		}
	}
	return nil
}
