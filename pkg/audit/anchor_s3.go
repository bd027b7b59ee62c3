package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

// S3AnchorStore publishes anchor records as JSON objects in a bucket.
type S3AnchorStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3AnchorConfig holds the bucket settings.
type S3AnchorConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO/LocalStack
	Prefix   string
}

// NewS3AnchorStore creates an S3-backed anchor store.
func NewS3AnchorStore(ctx context.Context, cfg S3AnchorConfig) (*S3AnchorStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3AnchorStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Publish writes the record and returns its object URL. An existing
// object for the same anchor id is never overwritten: anchors are
// immutable once published.
func (s *S3AnchorStore) Publish(ctx context.Context, record contracts.AnchorRecord) (string, error) {
	key := s.key(record.ID)
	location := fmt.Sprintf("s3://%s/%s", s.bucket, key)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		if record.RootOfTrust {
			return "", ErrRootOfTrustImmutable
		}
		return location, nil
	}

	body, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encoding anchor record: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("publishing anchor %s: %w", record.ID, err)
	}
	return location, nil
}

// Fetch retrieves a published anchor record by id.
func (s *S3AnchorStore) Fetch(ctx context.Context, id string) (*contracts.AnchorRecord, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching anchor %s: %w", id, err)
	}
	defer func() { _ = result.Body.Close() }()

	raw, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("reading anchor %s: %w", id, err)
	}

	var record contracts.AnchorRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decoding anchor %s: %w", id, err)
	}
	return &record, nil
}

func (s *S3AnchorStore) key(id string) string {
	return s.prefix + "anchors/" + id + ".json"
}
