// Package proxy implements proxy pool selection for scout fetches. The
// runner selects an endpoint before spawning an engine and passes it down
// via the --proxy flag, so all fetches of one audit exit through a stable
// address when the pool is sticky on audit scope.
package proxy

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/veritaslabs/veritas/log"
	"github.com/veritaslabs/veritas/types"
)

// Selector manages proxy selection from named pools. Safe for concurrent
// use.
type Selector struct {
	logger *log.Logger

	mu    sync.Mutex
	pools map[string]*poolState
}

// poolState holds runtime state for a single pool.
type poolState struct {
	pool      *types.ProxyPool
	rrIndex   int64
	stickyMap map[string]*stickyEntry
	recent    []int // ring of recently used endpoint indexes, oldest first
}

// stickyEntry holds a sticky assignment with optional TTL.
type stickyEntry struct {
	endpointIdx int
	expiresAt   *time.Time
}

// NewSelector creates a proxy selector. The logger may be nil.
func NewSelector(logger *log.Logger) *Selector {
	return &Selector{
		logger: logger,
		pools:  make(map[string]*poolState),
	}
}

// RegisterPool validates and registers a pool. Soft warnings are logged,
// not returned.
func (s *Selector) RegisterPool(pool *types.ProxyPool) error {
	if err := pool.Validate(); err != nil {
		return fmt.Errorf("pool validation failed: %w", err)
	}
	for _, w := range pool.Warnings() {
		if s.logger != nil {
			s.logger.Warn("proxy pool warning", map[string]any{"pool": pool.Name, "warning": w})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pools[pool.Name] = &poolState{
		pool:      pool,
		stickyMap: make(map[string]*stickyEntry),
	}
	return nil
}

// SelectRequest contains parameters for endpoint selection.
type SelectRequest struct {
	// Pool is the pool name to select from.
	Pool string
	// StrategyOverride optionally overrides the pool's strategy.
	StrategyOverride *types.ProxyStrategy
	// StickyKey is the explicit key for sticky selection. Takes precedence
	// over scope-derived keys.
	StickyKey string
	// AuditID derives the sticky key when scope is "audit".
	AuditID string
	// Domain derives the sticky key when scope is "domain".
	Domain string
	// Origin derives the sticky key when scope is "origin" (scheme+host+port).
	Origin string
	// Commit determines whether selection state advances. When false the
	// call is a peek: it returns what would be selected without mutating
	// rotation counters, sticky assignments, or the recency ring.
	Commit bool
}

// Select returns an endpoint from the named pool.
func (s *Selector) Select(req SelectRequest) (*types.ProxyEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.pools[req.Pool]
	if !ok {
		return nil, fmt.Errorf("pool %q not found", req.Pool)
	}

	strategy := state.pool.Strategy
	if req.StrategyOverride != nil {
		strategy = *req.StrategyOverride
	}

	var idx int
	var err error

	switch strategy {
	case types.ProxyStrategyRoundRobin:
		idx = s.selectRoundRobin(state, req.Commit)
	case types.ProxyStrategyRandom:
		idx, err = s.selectRandom(state)
		if err != nil {
			return nil, err
		}
	case types.ProxyStrategySticky:
		idx, err = s.selectSticky(state, req, req.Commit)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}

	if req.Commit {
		s.pushRecent(state, idx)
	}

	ep := state.pool.Endpoints[idx]
	return &ep, nil
}

// selectRoundRobin advances the rotation counter only when commit is true.
func (s *Selector) selectRoundRobin(state *poolState, commit bool) int {
	idx := int(state.rrIndex % int64(len(state.pool.Endpoints)))
	if commit {
		state.rrIndex++
	}
	return idx
}

// selectRandom picks uniformly among endpoints outside the recency window.
// When the window covers the whole pool it falls back to the least
// recently used endpoint.
func (s *Selector) selectRandom(state *poolState) (int, error) {
	n := len(state.pool.Endpoints)
	if n == 1 {
		return 0, nil
	}

	allowed := s.allowedIndexes(state)
	if len(allowed) == 0 {
		// Ring covers every endpoint; the oldest ring entry is the LRU.
		return state.recent[0], nil
	}
	if len(allowed) == 1 {
		return allowed[0], nil
	}

	bigIdx, err := rand.Int(rand.Reader, big.NewInt(int64(len(allowed))))
	if err != nil {
		return 0, fmt.Errorf("random selection failed: %w", err)
	}
	return allowed[int(bigIdx.Int64())], nil
}

// allowedIndexes returns endpoint indexes not present in the recency ring.
// Without a configured window, every index is allowed.
func (s *Selector) allowedIndexes(state *poolState) []int {
	n := len(state.pool.Endpoints)
	if state.pool.RecencyWindow == nil || len(state.recent) == 0 {
		allowed := make([]int, n)
		for i := range allowed {
			allowed[i] = i
		}
		return allowed
	}

	used := make(map[int]bool, len(state.recent))
	for _, idx := range state.recent {
		used[idx] = true
	}
	allowed := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if !used[i] {
			allowed = append(allowed, i)
		}
	}
	return allowed
}

// pushRecent records a committed selection in the recency ring, evicting
// the oldest entry beyond the window.
func (s *Selector) pushRecent(state *poolState, idx int) {
	if state.pool.RecencyWindow == nil {
		return
	}
	window := *state.pool.RecencyWindow

	// Re-selecting an endpoint already in the ring moves it to the newest
	// slot instead of duplicating it.
	for i, existing := range state.recent {
		if existing == idx {
			state.recent = append(state.recent[:i], state.recent[i+1:]...)
			break
		}
	}
	state.recent = append(state.recent, idx)
	if len(state.recent) > window {
		state.recent = state.recent[len(state.recent)-window:]
	}
}

// selectSticky reuses a live sticky assignment, or makes a new one via
// random selection. New assignments are stored only when commit is true.
func (s *Selector) selectSticky(state *poolState, req SelectRequest, commit bool) (int, error) {
	stickyKey := deriveStickyKey(state, req)
	if stickyKey == "" {
		return 0, errors.New("sticky selection requires a sticky key")
	}

	now := time.Now()

	if entry, ok := state.stickyMap[stickyKey]; ok {
		if entry.expiresAt == nil || entry.expiresAt.After(now) {
			return entry.endpointIdx, nil
		}
		delete(state.stickyMap, stickyKey)
	}

	idx, err := s.selectRandom(state)
	if err != nil {
		return 0, err
	}

	if commit {
		entry := &stickyEntry{endpointIdx: idx}
		if state.pool.Sticky != nil && state.pool.Sticky.TTLMs != nil {
			expiresAt := now.Add(time.Duration(*state.pool.Sticky.TTLMs) * time.Millisecond)
			entry.expiresAt = &expiresAt
		}
		state.stickyMap[stickyKey] = entry
	}

	return idx, nil
}

// deriveStickyKey resolves the sticky key: an explicit key wins, then the
// pool's configured scope, then the audit id.
func deriveStickyKey(state *poolState, req SelectRequest) string {
	if req.StickyKey != "" {
		return req.StickyKey
	}
	if state.pool.Sticky == nil {
		return req.AuditID
	}
	switch state.pool.Sticky.Scope {
	case types.ProxyStickyAudit:
		return req.AuditID
	case types.ProxyStickyDomain:
		return req.Domain
	case types.ProxyStickyOrigin:
		return req.Origin
	default:
		return req.AuditID
	}
}

// PoolStats describes a pool's runtime selection state.
type PoolStats struct {
	RoundRobinIndex int64
	StickyEntries   int
	RecencyWindow   *int
	RecencyFill     int
}

// Stats returns statistics for a pool.
func (s *Selector) Stats(poolName string) (*PoolStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.pools[poolName]
	if !ok {
		return nil, fmt.Errorf("pool %q not found", poolName)
	}

	return &PoolStats{
		RoundRobinIndex: state.rrIndex,
		StickyEntries:   len(state.stickyMap),
		RecencyWindow:   state.pool.RecencyWindow,
		RecencyFill:     len(state.recent),
	}, nil
}

// CleanExpiredSticky removes expired sticky entries from all pools. Call
// periodically to prevent unbounded growth.
func (s *Selector) CleanExpiredSticky() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, state := range s.pools {
		for key, entry := range state.stickyMap {
			if entry.expiresAt != nil && entry.expiresAt.Before(now) {
				delete(state.stickyMap, key)
			}
		}
	}
}
