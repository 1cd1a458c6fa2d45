package content

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects the content storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv creates a content store based on environment variables.
//
// Environment variables:
//   - CONTENT_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: base directory for the filesystem store (default: "data")
//   - ECL_CHUNK_BUDGET: per-session staged chunk cap (0 disables)
//
// For S3:
//   - AWS_REGION or CONTENT_S3_REGION
//   - CONTENT_S3_BUCKET (required)
//   - CONTENT_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - CONTENT_S3_PREFIX (optional)
//
// For GCS:
//   - CONTENT_GCS_BUCKET (required)
//   - CONTENT_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context, chunkBudget int) (Store, error) {
	storeType := StoreType(os.Getenv("CONTENT_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "content"), chunkBudget)
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx, chunkBudget)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx, chunkBudget)
	default:
		return nil, fmt.Errorf("unsupported content storage type: %s", storeType)
	}
}

func newS3StoreFromEnv(ctx context.Context, chunkBudget int) (Store, error) {
	bucket := os.Getenv("CONTENT_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("CONTENT_S3_BUCKET is required for S3 storage")
	}
	region := os.Getenv("CONTENT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3StoreConfig{
		Bucket:      bucket,
		Region:      region,
		Endpoint:    os.Getenv("CONTENT_S3_ENDPOINT"),
		Prefix:      os.Getenv("CONTENT_S3_PREFIX"),
		ChunkBudget: chunkBudget,
	})
}
