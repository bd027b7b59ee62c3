package audit

import (
	"context"
	"fmt"
	"os"
)

// AnchorStoreType selects the external anchor backend.
type AnchorStoreType string

const (
	AnchorStoreNone AnchorStoreType = "none"
	AnchorStoreS3   AnchorStoreType = "s3"
	AnchorStoreGCS  AnchorStoreType = "gcs"
)

// NewAnchorStoreFromEnv creates an anchor store based on environment
// variables.
//
//   - ANCHOR_STORAGE_TYPE: "none" (default), "s3", or "gcs"
//
// For S3:
//   - ANCHOR_S3_BUCKET (required)
//   - ANCHOR_S3_REGION or AWS_REGION
//   - ANCHOR_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - ANCHOR_S3_PREFIX (optional)
//
// For GCS (requires the gcp build tag):
//   - ANCHOR_GCS_BUCKET (required)
//   - ANCHOR_GCS_PREFIX (optional)
func NewAnchorStoreFromEnv(ctx context.Context) (AnchorStore, error) {
	storeType := AnchorStoreType(os.Getenv("ANCHOR_STORAGE_TYPE"))
	if storeType == "" {
		storeType = AnchorStoreNone
	}

	switch storeType {
	case AnchorStoreNone:
		return nil, nil
	case AnchorStoreS3:
		return newS3AnchorStoreFromEnv(ctx)
	case AnchorStoreGCS:
		return newGCSAnchorStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported anchor storage type: %s", storeType)
	}
}

func newS3AnchorStoreFromEnv(ctx context.Context) (AnchorStore, error) {
	bucket := os.Getenv("ANCHOR_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("ANCHOR_S3_BUCKET is required for S3 anchoring")
	}

	region := os.Getenv("ANCHOR_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3AnchorStore(ctx, S3AnchorConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("ANCHOR_S3_ENDPOINT"),
		Prefix:   os.Getenv("ANCHOR_S3_PREFIX"),
	})
}
