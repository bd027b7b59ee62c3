package audit

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

var chainNow = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func newTestChain() (*Chain, *MemoryStore) {
	store := NewMemoryStore()
	chain := NewChain(store).WithClock(func() time.Time { return chainNow })
	return chain, store
}

func appendN(t *testing.T, chain *Chain, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := chain.Record(context.Background(), "tn-a", "operator", "ec2.stop", "i-1",
			contracts.OutcomeSuccess, map[string]any{"seq": i})
		require.NoError(t, err)
	}
}

func TestChainAppendMonotonic(t *testing.T) {
	chain, store := newTestChain()
	appendN(t, chain, 5)

	entries, err := store.Range(context.Background(), 1, 5)
	require.NoError(t, err)
	require.Len(t, entries, 5)

	assert.Equal(t, genesisHash, entries[0].PrevHash)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Position)
		if i > 0 {
			assert.Equal(t, entries[i-1].Hash, e.PrevHash)
		}
	}
}

func TestChainVerifyClean(t *testing.T) {
	chain, store := newTestChain()
	appendN(t, chain, 10)
	require.NoError(t, VerifyChain(context.Background(), store))
}

func TestChainVerifyEmptyIsClean(t *testing.T) {
	_, store := newTestChain()
	require.NoError(t, VerifyChain(context.Background(), store))
}

func TestChainDetectsContentTamper(t *testing.T) {
	chain, store := newTestChain()
	appendN(t, chain, 10)

	store.Tamper(4, func(e *contracts.ChainEntry) {
		e.Outcome = contracts.OutcomeDenied
	})

	err := VerifyChain(context.Background(), store)
	var integrity *ChainIntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, int64(4), integrity.Position)
}

func TestChainDetectsRehashedTamper(t *testing.T) {
	chain, store := newTestChain()
	appendN(t, chain, 10)

	// an attacker who recomputes the tampered entry's hash still breaks
	// the next entry's prev_hash link
	store.Tamper(4, func(e *contracts.ChainEntry) {
		e.Outcome = contracts.OutcomeDenied
		h, err := EntryHash(*e)
		require.NoError(t, err)
		e.Hash = h
	})

	err := VerifyChain(context.Background(), store)
	var integrity *ChainIntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, int64(5), integrity.Position)
}

func TestChainHaltRejectsAppends(t *testing.T) {
	chain, _ := newTestChain()
	appendN(t, chain, 2)

	chain.Halt()
	require.True(t, chain.Halted())

	err := chain.Record(context.Background(), "tn-a", "operator", "ec2.stop", "",
		contracts.OutcomeSuccess, nil)
	assert.ErrorIs(t, err, ErrChainHalted)
}

func TestChainConcurrentAppends(t *testing.T) {
	chain, store := newTestChain()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = chain.Record(context.Background(), "tn-a", "operator", "ec2.stop", "",
				contracts.OutcomeSuccess, nil)
		}()
	}
	wg.Wait()

	n, err := store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)
	require.NoError(t, VerifyChain(context.Background(), store))
}

func TestEntryHashCoversPrevHash(t *testing.T) {
	entry := contracts.ChainEntry{
		Position: 1, Actor: "operator", Action: "ec2.stop",
		Outcome: contracts.OutcomeSuccess, PrevHash: genesisHash,
	}
	h1, err := EntryHash(entry)
	require.NoError(t, err)

	entry.PrevHash = strings.Repeat("f", 64)
	h2, err := EntryHash(entry)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}
