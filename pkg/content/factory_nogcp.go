//go:build !gcp

package content

import (
	"context"
	"fmt"
)

func newGCSStoreFromEnv(ctx context.Context, chunkBudget int) (Store, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
