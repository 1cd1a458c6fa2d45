package content

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/caseward/ecl/pkg/canonicalize"
	"github.com/caseward/ecl/pkg/errs"
)

// S3Store implements Store on an S3-compatible bucket.
//
// Keys mirror the filesystem layout: staging/{session}/{index}.chunk and
// blob/{canonical_hash}. S3 PUTs are atomic per object, which gives the
// finalize guarantee directly.
type S3Store struct {
	client      *s3.Client
	bucket      string
	prefix      string
	chunkBudget int
}

// S3StoreConfig holds configuration for S3Store.
type S3StoreConfig struct {
	Bucket      string
	Region      string
	Endpoint    string // optional custom endpoint (MinIO, LocalStack)
	Prefix      string
	ChunkBudget int
}

// NewS3Store creates an S3-backed content store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	}
	return &S3Store{
		client:      s3.NewFromConfig(awsCfg, clientOpts),
		bucket:      cfg.Bucket,
		prefix:      cfg.Prefix,
		chunkBudget: cfg.ChunkBudget,
	}, nil
}

func (s *S3Store) stagingPrefix(sessionID string) string {
	return s.prefix + "staging/" + sessionID + "/"
}

func (s *S3Store) chunkKey(sessionID string, index int) string {
	return fmt.Sprintf("%s%08d.chunk", s.stagingPrefix(sessionID), index)
}

func (s *S3Store) blobKey(canonicalHash string) string {
	return s.prefix + "blob/" + canonicalHash
}

func (s *S3Store) PutChunk(ctx context.Context, sessionID string, index int, data []byte, declaredHash string) error {
	actual := canonicalize.HashBytes(data)
	if !strings.EqualFold(actual, declaredHash) {
		return errs.New(errs.KindIntegrityViolation, errs.CodeHashMismatch,
			"chunk %d hash mismatch: declared %s, computed %s", index, declaredHash, actual)
	}

	key := s.chunkKey(sessionID, index)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		if stored, ok := head.Metadata["chunk-sha256"]; ok && strings.EqualFold(stored, actual) {
			return nil // idempotent re-put
		}
		return errs.New(errs.KindConflict, errs.CodeDuplicateIndex,
			"chunk index %d already staged with different content", index)
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

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    map[string]string{"chunk-sha256": actual},
	})
	if err != nil {
		return errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "s3 chunk put failed")
	}
	return nil
}

func (s *S3Store) StagedChunks(ctx context.Context, sessionID string) ([]ChunkInfo, error) {
	prefix := s.stagingPrefix(sessionID)
	var chunks []ChunkInfo
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "s3 staging list failed")
		}
		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if !strings.HasSuffix(name, ".chunk") {
				continue
			}
			index, err := strconv.Atoi(strings.TrimSuffix(name, ".chunk"))
			if err != nil {
				continue
			}
			chunks = append(chunks, ChunkInfo{Index: index, ByteLength: aws.ToInt64(obj.Size)})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

func (s *S3Store) Finalize(ctx context.Context, sessionID string, expectedTotalChunks int) (FinalizeResult, error) {
	chunks, err := s.StagedChunks(ctx, sessionID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if err := checkGapless(chunks, expectedTotalChunks); err != nil {
		return FinalizeResult{}, err
	}

	// Spool the concatenation locally; artifacts can exceed memory.
	tmp, err := os.CreateTemp("", "ecl-finalize-*")
	if err != nil {
		return FinalizeResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "finalize temp create failed")
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	primary := sha256.New()
	secondary := sha512.New()
	sink := io.MultiWriter(tmp, primary, secondary)

	var total int64
	for i := 0; i < expectedTotalChunks; i++ {
		obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.chunkKey(sessionID, i)),
		})
		if err != nil {
			return FinalizeResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "s3 chunk get failed")
		}
		n, err := io.Copy(sink, obj.Body)
		_ = obj.Body.Close()
		if err != nil {
			return FinalizeResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "s3 chunk copy failed")
		}
		total += n
	}

	canonicalHash := hex.EncodeToString(primary.Sum(nil))
	secondaryHash := hex.EncodeToString(secondary.Sum(nil))
	result := FinalizeResult{CanonicalHash: canonicalHash, SecondaryHash: secondaryHash, ByteLength: total}

	exists, err := s.Exists(ctx, canonicalHash)
	if err != nil {
		return FinalizeResult{}, err
	}
	if exists {
		result.Deduped = true
		_ = s.DeleteStaging(ctx, sessionID)
		return result, nil
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return FinalizeResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "finalize rewind failed")
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.blobKey(canonicalHash)),
		Body:          tmp,
		ContentLength: aws.Int64(total),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      map[string]string{"sha512": secondaryHash},
	})
	if err != nil {
		return FinalizeResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "s3 blob put failed")
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.blobKey(canonicalHash) + ".sha512"),
		Body:   strings.NewReader(secondaryHash),
	})
	if err != nil {
		return FinalizeResult{}, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "sha512 side record failed")
	}
	_ = s.DeleteStaging(ctx, sessionID)
	return result, nil
}

func (s *S3Store) OpenStream(ctx context.Context, canonicalHash string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.blobKey(canonicalHash)),
	})
	if err != nil {
		return nil, errs.Wrap(err, errs.KindNotFound, errs.CodeNotFound, "no blob for hash %s", canonicalHash)
	}
	return obj.Body, nil
}

func (s *S3Store) Exists(ctx context.Context, canonicalHash string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.blobKey(canonicalHash)),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (s *S3Store) DeleteStaging(ctx context.Context, sessionID string) error {
	chunks, err := s.StagedChunks(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.chunkKey(sessionID, c.Index)),
		})
		if err != nil {
			return errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "s3 staging delete failed")
		}
	}
	return nil
}
