package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucketState struct {
	tokens     int
	lastRefill time.Time
	lastAccess time.Time
}

// MemoryStore keeps bucket state in process memory. Suitable for a single
// instance; multi-replica deployments should use RedisStore so limits are
// enforced across the fleet.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucketState

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets how often stale buckets are evicted. Zero
// disables the background cleanup.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStore creates an in-memory store with periodic eviction of
// buckets idle for more than an hour.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		buckets:         make(map[string]*bucketState),
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cleanupInterval > 0 {
		go s.cleanupLoop()
	}
	return s
}

// ConsumeTokens refills the bucket for the elapsed intervals, then drains
// the requested amount. Remaining may go negative.
func (s *MemoryStore) ConsumeTokens(ctx context.Context, key string, tokens int, config Config) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucketState{tokens: config.Capacity, lastRefill: now}
		s.buckets[key] = b
	}

	// Cap the interval count so a long-idle bucket cannot overflow the math.
	maxIntervals := int64(config.Capacity/config.RefillRate + 1)
	intervals := min(int64(now.Sub(b.lastRefill)/config.RefillInterval), maxIntervals)
	if intervals > 0 {
		b.tokens = min(b.tokens+int(intervals)*config.RefillRate, config.Capacity)
		b.lastRefill = now
	}

	b.tokens -= tokens
	b.lastAccess = now
	return b.tokens, b.lastRefill.Add(config.RefillInterval), nil
}

// Reset removes the bucket for the key.
func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.buckets, key)
	return nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictStale()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) evictStale() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-time.Hour)
	for key, b := range s.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(s.buckets, key)
		}
	}
}
