package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

var (
	// ErrEmptyTenantID rejects exports with no tenant scope.
	ErrEmptyTenantID = errors.New("audit: tenant_id must not be empty")
	// ErrInvalidTimeRange rejects exports whose window is inverted.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
)

// ExportRequest scopes an evidence pack to one tenant and an optional
// time window. Zero times mean unbounded on that side.
type ExportRequest struct {
	TenantID  string    `json:"tenant_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Exporter builds downloadable evidence packs from the chain store.
type Exporter struct {
	entries EntryStore
	clock   func() time.Time
}

// NewExporter wires an exporter over the chain's entry store.
func NewExporter(entries EntryStore) *Exporter {
	return &Exporter{entries: entries, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// GeneratePack zips the tenant's chain entries together with a manifest
// and returns the archive plus its SHA-256 checksum. Entries keep their
// hashes, so a recipient can re-verify the links independently.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if req.TenantID == "" {
		return nil, "", ErrEmptyTenantID
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}

	n, err := e.entries.Len(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("audit: chain length: %w", err)
	}
	// chain positions are 1-based: the full chain is [1, Len]
	var all []contracts.ChainEntry
	if n > 0 {
		all, err = e.entries.Range(ctx, 1, n)
		if err != nil {
			return nil, "", fmt.Errorf("audit: read chain: %w", err)
		}
	}

	head, err := e.entries.Head(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("audit: chain head: %w", err)
	}
	chainHead := ""
	if head != nil {
		chainHead = head.Hash
	}

	matched := all[:0:0]
	for _, entry := range all {
		if entry.TenantID != req.TenantID {
			continue
		}
		if !req.StartTime.IsZero() && entry.Timestamp.Before(req.StartTime) {
			continue
		}
		if !req.EndTime.IsZero() && entry.Timestamp.After(req.EndTime) {
			continue
		}
		matched = append(matched, entry)
	}

	entriesJSON, err := json.MarshalIndent(matched, "", "  ")
	if err != nil {
		return nil, "", err
	}

	now := e.clock().UTC()
	manifest := map[string]any{
		"tenant_id":    req.TenantID,
		"generated_at": now,
		"entry_count":  len(matched),
		"chain_head":   chainHead,
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("entries.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(entriesJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f, "Audit evidence pack for tenant %s\nGenerated at %s\n", req.TenantID, now.Format(time.RFC3339))

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(sum[:]), nil
}
