// Package audit is the append-only, hash-chained event log and its anchor
// layer. Every governed decision lands here before it is returned to the
// caller; every entry's hash covers the previous entry's hash, so a
// retroactive edit breaks every link after it.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwarden/cloudwarden/pkg/canonicalize"
	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

// genesisHash seeds the chain before the first entry exists.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrChainHalted rejects appends after an integrity violation was detected.
var ErrChainHalted = errors.New("audit chain is halted after an integrity violation")

// EntryStore persists chain entries. Append must reject duplicate
// positions so two racing writers can never both land on the same slot.
type EntryStore interface {
	Append(ctx context.Context, entry contracts.ChainEntry) error
	Head(ctx context.Context) (*contracts.ChainEntry, error)
	Get(ctx context.Context, position int64) (*contracts.ChainEntry, error)
	Range(ctx context.Context, from, to int64) ([]contracts.ChainEntry, error)
	Len(ctx context.Context) (int64, error)
}

// Chain serializes appends over an entry store.
type Chain struct {
	store EntryStore
	clock func() time.Time

	mu     sync.Mutex
	halted bool
}

// NewChain wires an audit chain over a store.
func NewChain(store EntryStore) *Chain {
	return &Chain{store: store, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

// Record appends one event. Appends are serialized: position assignment,
// hash computation and the store write happen under one lock, so positions
// are strictly monotonic and each entry's PrevHash is the head's hash at
// write time.
func (c *Chain) Record(ctx context.Context, tenantID, actor, action, resource string, outcome contracts.Outcome, details map[string]any) error {
	_, err := c.Append(ctx, contracts.ChainEntry{
		TenantID: tenantID,
		Actor:    actor,
		Action:   action,
		Resource: resource,
		Outcome:  outcome,
		Details:  details,
	})
	return err
}

// Append writes the entry and returns it with position and hashes filled.
func (c *Chain) Append(ctx context.Context, entry contracts.ChainEntry) (*contracts.ChainEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.halted {
		return nil, ErrChainHalted
	}

	head, err := c.store.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading chain head: %w", err)
	}

	entry.Timestamp = c.clock().UTC()
	if head == nil {
		entry.Position = 1
		entry.PrevHash = genesisHash
	} else {
		entry.Position = head.Position + 1
		entry.PrevHash = head.Hash
	}

	hash, err := EntryHash(entry)
	if err != nil {
		return nil, err
	}
	entry.Hash = hash

	if err := c.store.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("appending entry %d: %w", entry.Position, err)
	}
	return &entry, nil
}

// Halt stops all further appends. Called when verification detects an
// integrity violation; only a new Chain over a repaired store resumes.
func (c *Chain) Halt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halted = true
}

// Halted reports whether the chain refuses appends.
func (c *Chain) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// Store exposes the underlying entry store for verification and anchoring.
func (c *Chain) Store() EntryStore { return c.store }

// EntryHash computes the link hash: SHA-256 over the canonical form of the
// entry content concatenated with the previous hash. The entry's own Hash
// field is excluded from the content.
func EntryHash(entry contracts.ChainEntry) (string, error) {
	content := entry
	content.Hash = ""

	canonical, err := canonicalize.JCS(content)
	if err != nil {
		return "", fmt.Errorf("canonicalizing entry %d: %w", entry.Position, err)
	}
	return canonicalize.HashBytes(append(canonical, []byte(entry.PrevHash)...)), nil
}
