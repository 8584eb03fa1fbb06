// internal/ratelimit/limiter.go
// Package ratelimit enforces per-identity request budgets over a sliding
// window. Limits are advisory admission control, so every implementation
// fails open: when the backing store is unreachable the request is allowed
// and the failure is logged, never surfaced to the caller.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Well-known request categories. Each category has its own budget.
const (
	CategoryInit  = "init"  // Session initializations
	CategoryChunk = "chunk" // Chunk submissions
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool          // Whether the request may proceed
	Remaining  int           // Budget left in the window after this request
	RetryAfter time.Duration // How long to wait when denied
	FailedOpen bool          // True when the store was unreachable and the request was waved through
}

// Limiter answers whether a request identified by (identity, category) fits
// its sliding-window budget.
type Limiter interface {
	// Allow records the request and reports whether it fits the limit.
	Allow(ctx context.Context, identity, category string, limit int) *Decision

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing connection, if any.
	Close() error
}

// memory implements Limiter with process-local state.
// It's intended for development and testing purposes.
type memory struct {
	mu      sync.Mutex             // Protects hits
	window  time.Duration          // Sliding window width
	hits    map[string][]time.Time // Map of category:identity to request times
	nowFunc func() time.Time       // Injected for tests
}

// NewMemory creates an in-memory sliding-window limiter.
func NewMemory(window time.Duration) Limiter {
	return &memory{
		window:  window,
		hits:    make(map[string][]time.Time),
		nowFunc: time.Now,
	}
}

func (m *memory) Allow(ctx context.Context, identity, category string, limit int) *Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	key := category + ":" + identity
	cutoff := now.Add(-m.window)

	// Drop hits that slid out of the window
	kept := m.hits[key][:0]
	for _, t := range m.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.hits[key] = kept

	if len(kept) >= limit {
		retryAfter := m.window
		if len(kept) > 0 {
			retryAfter = kept[0].Add(m.window).Sub(now)
		}
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &Decision{Allowed: false, RetryAfter: retryAfter}
	}

	m.hits[key] = append(kept, now)
	return &Decision{Allowed: true, Remaining: limit - len(m.hits[key])}
}

func (m *memory) Ping(ctx context.Context) error {
	return nil
}

func (m *memory) Close() error {
	return nil
}
