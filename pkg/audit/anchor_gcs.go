//go:build gcp

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

// GCSAnchorStore publishes anchor records to Google Cloud Storage.
type GCSAnchorStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSAnchorConfig holds the bucket settings.
type GCSAnchorConfig struct {
	Bucket string
	Prefix string
}

// NewGCSAnchorStore creates a GCS-backed anchor store using application
// default credentials.
func NewGCSAnchorStore(ctx context.Context, cfg GCSAnchorConfig) (*GCSAnchorStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	return &GCSAnchorStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Publish writes the record and returns its object URL. Published anchors
// are immutable; an existing object is never overwritten.
func (s *GCSAnchorStore) Publish(ctx context.Context, record contracts.AnchorRecord) (string, error) {
	path := s.path(record.ID)
	location := fmt.Sprintf("gs://%s/%s", s.bucket, path)

	obj := s.client.Bucket(s.bucket).Object(path)
	if _, err := obj.Attrs(ctx); err == nil {
		if record.RootOfTrust {
			return "", ErrRootOfTrustImmutable
		}
		return location, nil
	}

	body, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encoding anchor record: %w", err)
	}

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("publishing anchor %s: %w", record.ID, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("publishing anchor %s: %w", record.ID, err)
	}
	return location, nil
}

// Fetch retrieves a published anchor record by id.
func (s *GCSAnchorStore) Fetch(ctx context.Context, id string) (*contracts.AnchorRecord, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.path(id)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("anchor %s not found", id)
		}
		return nil, fmt.Errorf("fetching anchor %s: %w", id, err)
	}
	defer func() { _ = r.Close() }()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading anchor %s: %w", id, err)
	}

	var record contracts.AnchorRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decoding anchor %s: %w", id, err)
	}
	return &record, nil
}

func (s *GCSAnchorStore) path(id string) string {
	return s.prefix + "anchors/" + id + ".json"
}
