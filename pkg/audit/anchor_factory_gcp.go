//go:build gcp

package audit

import (
	"context"
	"fmt"
	"os"
)

func newGCSAnchorStoreFromEnv(ctx context.Context) (AnchorStore, error) {
	bucket := os.Getenv("ANCHOR_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("ANCHOR_GCS_BUCKET is required for GCS anchoring")
	}
	return NewGCSAnchorStore(ctx, GCSAnchorConfig{
		Bucket: bucket,
		Prefix: os.Getenv("ANCHOR_GCS_PREFIX"),
	})
}
