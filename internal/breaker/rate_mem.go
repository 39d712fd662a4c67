package breaker

import (
	"context"
	"sync"
	"time"
)

// MemRateLimiter is a single-process RateLimiter used in tests;
// cmd/conclaved always wires RedisRateLimiter.
type MemRateLimiter struct {
	mu         sync.Mutex
	turnWindow []time.Time
	convBucket map[int64]map[string]struct{}
}

// NewMemRateLimiter constructs an empty MemRateLimiter.
func NewMemRateLimiter() *MemRateLimiter {
	return &MemRateLimiter{convBucket: make(map[int64]map[string]struct{})}
}

func (m *MemRateLimiter) IncrTurn(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-time.Minute)
	kept := m.turnWindow[:0]
	for _, t := range m.turnWindow {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	m.turnWindow = kept
	return len(m.turnWindow), nil
}

func (m *MemRateLimiter) IncrConversation(_ context.Context, convID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := now.Unix() / 3600
	set, ok := m.convBucket[bucket]
	if !ok {
		set = make(map[string]struct{})
		m.convBucket[bucket] = set
		for k := range m.convBucket {
			if k < bucket {
				delete(m.convBucket, k)
			}
		}
	}
	set[convID] = struct{}{}
	return len(set), nil
}
