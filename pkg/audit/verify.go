package audit

import (
	"context"
	"fmt"
)

// ChainIntegrityError reports the first position where verification
// diverged from the recorded chain.
type ChainIntegrityError struct {
	Position int64
	Reason   string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("chain integrity violation at position %d: %s", e.Position, e.Reason)
}

// VerifyChain recomputes every link from the genesis entry to the head.
// Any divergence returns a ChainIntegrityError naming the first bad
// position.
func VerifyChain(ctx context.Context, store EntryStore) error {
	head, err := store.Head(ctx)
	if err != nil {
		return fmt.Errorf("reading chain head: %w", err)
	}
	if head == nil {
		return nil
	}
	return VerifyRange(ctx, store, 1, head.Position)
}

// VerifyRange recomputes links for positions [from, to].
func VerifyRange(ctx context.Context, store EntryStore, from, to int64) error {
	entries, err := store.Range(ctx, from, to)
	if err != nil {
		return fmt.Errorf("reading chain range [%d,%d]: %w", from, to, err)
	}

	expectedPrev := genesisHash
	if from > 1 {
		prev, err := store.Get(ctx, from-1)
		if err != nil {
			return fmt.Errorf("reading entry %d: %w", from-1, err)
		}
		if prev == nil {
			return &ChainIntegrityError{Position: from - 1, Reason: "predecessor entry is missing"}
		}
		expectedPrev = prev.Hash
	}

	expectedPos := from
	for _, entry := range entries {
		if entry.Position != expectedPos {
			return &ChainIntegrityError{Position: expectedPos, Reason: "position gap in chain"}
		}
		if entry.PrevHash != expectedPrev {
			return &ChainIntegrityError{Position: entry.Position, Reason: "prev_hash does not match predecessor"}
		}
		recomputed, err := EntryHash(entry)
		if err != nil {
			return err
		}
		if recomputed != entry.Hash {
			return &ChainIntegrityError{Position: entry.Position, Reason: "entry content does not match its hash"}
		}
		expectedPrev = entry.Hash
		expectedPos++
	}

	if expectedPos != to+1 {
		return &ChainIntegrityError{Position: expectedPos, Reason: "chain ends before requested range"}
	}
	return nil
}
