package simulation

import (
	"context"
	"sync"
	"time"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

// ResultTTL is how long a simulation result stays retrievable.
const ResultTTL = 24 * time.Hour

// ResultStore caches simulation results per plan with TTL eviction.
type ResultStore struct {
	mu      sync.RWMutex
	byID    map[string]*contracts.SimulationResult
	byPlan  map[string]*contracts.SimulationResult
	ttl     time.Duration
	clock   func() time.Time
	stopped chan struct{}
	once    sync.Once
}

// NewResultStore builds an in-memory result cache.
func NewResultStore() *ResultStore {
	return &ResultStore{
		byID:    make(map[string]*contracts.SimulationResult),
		byPlan:  make(map[string]*contracts.SimulationResult),
		ttl:     ResultTTL,
		clock:   time.Now,
		stopped: make(chan struct{}),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *ResultStore) WithClock(clock func() time.Time) *ResultStore {
	s.clock = clock
	return s
}

// WithTTL overrides the retention window.
func (s *ResultStore) WithTTL(ttl time.Duration) *ResultStore {
	s.ttl = ttl
	return s
}

// Put stores a result, replacing any prior result for the same plan.
func (s *ResultStore) Put(_ context.Context, r *contracts.SimulationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[r.ID] = r
	s.byPlan[r.PlanID] = r
}

// Get returns a result by id, or nil when absent or expired.
func (s *ResultStore) Get(_ context.Context, id string) *contracts.SimulationResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.byID[id]
	if r == nil || s.expired(r) {
		return nil
	}
	return r
}

// Latest returns the most recent result for a plan, or nil.
func (s *ResultStore) Latest(_ context.Context, planID string) *contracts.SimulationResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.byPlan[planID]
	if r == nil || s.expired(r) {
		return nil
	}
	return r
}

// Sweep evicts expired results and returns the eviction count.
func (s *ResultStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, r := range s.byID {
		if s.expired(r) {
			delete(s.byID, id)
			evicted++
		}
	}
	for planID, r := range s.byPlan {
		if s.expired(r) {
			delete(s.byPlan, planID)
		}
	}
	return evicted
}

// StartSweeper evicts expired results hourly until the context ends.
func (s *ResultStore) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopped:
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Close stops the background sweeper.
func (s *ResultStore) Close() {
	s.once.Do(func() { close(s.stopped) })
}

func (s *ResultStore) expired(r *contracts.SimulationResult) bool {
	return s.clock().Sub(r.CreatedAt) > s.ttl
}
