package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudwarden/cloudwarden/pkg/canonicalize"
	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

var (
	// ErrNothingToAnchor means no entries landed since the last anchor.
	ErrNothingToAnchor = errors.New("no new entries to anchor")

	// ErrRootOfTrustImmutable rejects any attempt to replace or modify
	// the first anchor.
	ErrRootOfTrustImmutable = errors.New("the root-of-trust anchor is immutable")
)

// AnchorStore publishes anchor records to tamper-resistant external
// storage.
type AnchorStore interface {
	Publish(ctx context.Context, record contracts.AnchorRecord) (location string, err error)
	Fetch(ctx context.Context, id string) (*contracts.AnchorRecord, error)
}

// AnchorLog is the durable local index of anchor records. Both chain
// stores implement it; the Anchorer rehydrates from it on first use so a
// restart continues the anchored range instead of re-minting a root of
// trust.
type AnchorLog interface {
	SaveAnchor(ctx context.Context, record contracts.AnchorRecord) error
	LoadAnchors(ctx context.Context) ([]contracts.AnchorRecord, error)
}

// Halter is notified when anchor verification detects an integrity
// violation. The audit Chain implements it.
type Halter interface {
	Halt()
}

// Anchorer periodically checkpoints the chain into anchor records. The
// first anchor ever created becomes the immutable root of trust.
type Anchorer struct {
	entries  EntryStore
	external AnchorStore
	journal  AnchorLog
	halter   Halter
	hmacKey  []byte
	log      *slog.Logger
	clock    func() time.Time

	mu       sync.Mutex
	hydrated bool
	anchors  []contracts.AnchorRecord
}

// NewAnchorer wires the anchor layer over a chain store.
func NewAnchorer(entries EntryStore, external AnchorStore, halter Halter, log *slog.Logger) *Anchorer {
	if log == nil {
		log = slog.Default()
	}
	return &Anchorer{
		entries:  entries,
		external: external,
		halter:   halter,
		log:      log,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *Anchorer) WithClock(clock func() time.Time) *Anchorer {
	a.clock = clock
	return a
}

// WithSigningKey enables keyed HMAC signatures on anchor records.
func (a *Anchorer) WithSigningKey(key []byte) *Anchorer {
	a.hmacKey = append([]byte(nil), key...)
	return a
}

// WithAnchorLog persists anchor records to a durable local index and
// rehydrates from it, so the anchored range survives a restart.
func (a *Anchorer) WithAnchorLog(journal AnchorLog) *Anchorer {
	a.journal = journal
	return a
}

// ensureLoaded rehydrates the local index from the journal once. Caller
// holds a.mu.
func (a *Anchorer) ensureLoaded(ctx context.Context) error {
	if a.hydrated || a.journal == nil {
		a.hydrated = true
		return nil
	}
	anchors, err := a.journal.LoadAnchors(ctx)
	if err != nil {
		return fmt.Errorf("loading anchor journal: %w", err)
	}
	a.anchors = anchors
	a.hydrated = true
	return nil
}

// saveAnchor journals a record. Caller holds a.mu.
func (a *Anchorer) saveAnchor(ctx context.Context, record contracts.AnchorRecord) error {
	if a.journal == nil {
		return nil
	}
	if err := a.journal.SaveAnchor(ctx, record); err != nil {
		return fmt.Errorf("journaling anchor %s: %w", record.ID, err)
	}
	return nil
}

// CreateAnchor checkpoints every entry after the last anchored position up
// to the current head, publishes the record externally when a store is
// configured, and retains it locally.
func (a *Anchorer) CreateAnchor(ctx context.Context) (*contracts.AnchorRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	head, err := a.entries.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading chain head: %w", err)
	}

	start := int64(1)
	if n := len(a.anchors); n > 0 {
		start = a.anchors[n-1].EndPosition + 1
	}
	if head == nil || head.Position < start {
		return nil, ErrNothingToAnchor
	}

	rangeEntries, err := a.entries.Range(ctx, start, head.Position)
	if err != nil {
		return nil, fmt.Errorf("reading chain range: %w", err)
	}

	record := contracts.AnchorRecord{
		ID:            uuid.New().String(),
		StartPosition: start,
		EndPosition:   head.Position,
		StartHash:     rangeEntries[0].Hash,
		EndHash:       head.Hash,
		AnchorHash:    compositeHash(rangeEntries),
		CreatedAt:     a.clock().UTC(),
		RootOfTrust:   len(a.anchors) == 0,
	}

	if a.hmacKey != nil {
		sig, err := canonicalize.HMACSign(anchorContent(record), a.hmacKey)
		if err != nil {
			return nil, fmt.Errorf("signing anchor: %w", err)
		}
		record.Signature = sig
	}

	if a.external != nil {
		location, err := a.external.Publish(ctx, record)
		if err != nil {
			// keep the local record; publication is retried on the
			// next cycle via RepublishPending
			a.log.ErrorContext(ctx, "anchor publication failed",
				"anchor_id", record.ID, "error", err)
		} else {
			now := a.clock().UTC()
			record.Location = location
			record.PublishedAt = &now
		}
	}

	// journal before adopting: a record that was never persisted must not
	// advance the anchored range
	if err := a.saveAnchor(ctx, record); err != nil {
		return nil, err
	}

	a.anchors = append(a.anchors, record)
	a.log.InfoContext(ctx, "anchor created",
		"anchor_id", record.ID,
		"start", record.StartPosition,
		"end", record.EndPosition,
		"root_of_trust", record.RootOfTrust,
	)
	return &record, nil
}

// RepublishPending retries external publication for anchors that never
// made it out.
func (a *Anchorer) RepublishPending(ctx context.Context) error {
	if a.external == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureLoaded(ctx); err != nil {
		return err
	}

	var errs []string
	for i := range a.anchors {
		if a.anchors[i].PublishedAt != nil {
			continue
		}
		location, err := a.external.Publish(ctx, a.anchors[i])
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", a.anchors[i].ID, err))
			continue
		}
		now := a.clock().UTC()
		a.anchors[i].Location = location
		a.anchors[i].PublishedAt = &now
		if err := a.saveAnchor(ctx, a.anchors[i]); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("republishing anchors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Anchors returns copies of all local anchor records in creation order.
func (a *Anchorer) Anchors() []contracts.AnchorRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]contracts.AnchorRecord(nil), a.anchors...)
}

// RootOfTrust returns the first anchor, or nil before any anchor exists.
func (a *Anchorer) RootOfTrust() *contracts.AnchorRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.anchors) == 0 {
		return nil
	}
	root := a.anchors[0]
	return &root
}

// VerifyAnchor recomputes the anchored range against the live chain. A
// mismatch halts the chain and returns a ChainIntegrityError.
func (a *Anchorer) VerifyAnchor(ctx context.Context, record contracts.AnchorRecord) error {
	if err := a.verifyAnchor(ctx, record); err != nil {
		var integrity *ChainIntegrityError
		if errors.As(err, &integrity) && a.halter != nil {
			a.halter.Halt()
		}
		return err
	}
	return nil
}

func (a *Anchorer) verifyAnchor(ctx context.Context, record contracts.AnchorRecord) error {
	if a.hmacKey != nil && record.Signature != "" {
		ok, err := canonicalize.HMACVerify(anchorContent(record), a.hmacKey, record.Signature)
		if err != nil {
			return fmt.Errorf("verifying anchor signature: %w", err)
		}
		if !ok {
			return &ChainIntegrityError{Position: record.StartPosition, Reason: "anchor signature mismatch"}
		}
	}

	if err := VerifyRange(ctx, a.entries, record.StartPosition, record.EndPosition); err != nil {
		return err
	}

	rangeEntries, err := a.entries.Range(ctx, record.StartPosition, record.EndPosition)
	if err != nil {
		return fmt.Errorf("reading chain range: %w", err)
	}
	if len(rangeEntries) == 0 {
		return &ChainIntegrityError{Position: record.StartPosition, Reason: "anchored range is empty"}
	}
	if rangeEntries[0].Hash != record.StartHash {
		return &ChainIntegrityError{Position: record.StartPosition, Reason: "start hash does not match anchor"}
	}
	if last := rangeEntries[len(rangeEntries)-1]; last.Hash != record.EndHash {
		return &ChainIntegrityError{Position: last.Position, Reason: "end hash does not match anchor"}
	}
	if compositeHash(rangeEntries) != record.AnchorHash {
		return &ChainIntegrityError{Position: record.StartPosition, Reason: "composite hash does not match anchor"}
	}
	return nil
}

// VerifyAnchorChain verifies every anchor in order and that consecutive
// anchors tile the chain without gaps or overlaps, starting from the root
// of trust. It returns how many anchors verified cleanly before the first
// violation; any violation halts the chain.
func (a *Anchorer) VerifyAnchorChain(ctx context.Context) (verified int, err error) {
	a.mu.Lock()
	if err := a.ensureLoaded(ctx); err != nil {
		a.mu.Unlock()
		return 0, err
	}
	anchors := append([]contracts.AnchorRecord(nil), a.anchors...)
	a.mu.Unlock()
	if len(anchors) == 0 {
		return 0, nil
	}

	if !anchors[0].RootOfTrust || anchors[0].StartPosition != 1 {
		if a.halter != nil {
			a.halter.Halt()
		}
		return 0, &ChainIntegrityError{Position: 1, Reason: "first anchor is not the root of trust"}
	}

	expectedStart := int64(1)
	for _, record := range anchors {
		if record.StartPosition != expectedStart {
			if a.halter != nil {
				a.halter.Halt()
			}
			return verified, &ChainIntegrityError{
				Position: expectedStart,
				Reason:   fmt.Sprintf("anchor %s starts at %d, expected %d", record.ID, record.StartPosition, expectedStart),
			}
		}
		if err := a.VerifyAnchor(ctx, record); err != nil {
			return verified, err
		}
		expectedStart = record.EndPosition + 1
		verified++
	}
	return verified, nil
}

// StartDailySchedule creates an anchor every interval until the context
// ends. ErrNothingToAnchor cycles are quiet.
func (a *Anchorer) StartDailySchedule(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := a.CreateAnchor(ctx); err != nil && !errors.Is(err, ErrNothingToAnchor) {
					a.log.ErrorContext(ctx, "scheduled anchoring failed", "error", err)
				}
				if err := a.RepublishPending(ctx); err != nil {
					a.log.WarnContext(ctx, "anchor republication incomplete", "error", err)
				}
			}
		}
	}()
}

// compositeHash folds the range's entry hashes into one digest.
func compositeHash(entries []contracts.ChainEntry) string {
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.Hash)
	}
	return canonicalize.HashBytes([]byte(sb.String()))
}

// anchorContent strips publication metadata and the signature so signing
// and verification cover the same bytes.
func anchorContent(record contracts.AnchorRecord) contracts.AnchorRecord {
	record.Signature = ""
	record.Location = ""
	record.PublishedAt = nil
	return record
}
