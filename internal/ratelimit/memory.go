package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a single-node Store for development and tests. State is
// guarded by one mutex; a janitor goroutine drops expired entries so idle
// keys do not accumulate.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
	sliding  map[string][]slidingMember

	stop     chan struct{}
	stopOnce sync.Once
}

type windowCounter struct {
	count   int64
	resetAt time.Time
}

type slidingMember struct {
	member string
	at     time.Time
}

// NewMemoryStore creates a memory store and starts its janitor.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		counters: make(map[string]*windowCounter),
		sliding:  make(map[string][]slidingMember),
		stop:     make(chan struct{}),
	}
	go s.janitor()
	return s
}

// IncrWindow implements Store.
func (s *MemoryStore) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c, ok := s.counters[key]
	if !ok || now.After(c.resetAt) {
		c = &windowCounter{resetAt: now.Add(window)}
		s.counters[key] = c
	}
	c.count++
	return c.count, nil
}

// SlidingCount implements Store.
func (s *MemoryStore) SlidingCount(_ context.Context, key, member string, at time.Time, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := at.Add(-window)
	members := s.sliding[key]
	kept := members[:0]
	for _, m := range members {
		if m.at.After(cutoff) {
			kept = append(kept, m)
		}
	}
	kept = append(kept, slidingMember{member: member, at: at})
	s.sliding[key] = kept
	return int64(len(kept)), nil
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, c := range s.counters {
		if now.After(c.resetAt) {
			delete(s.counters, key)
		}
	}
	// Sliding entries self-trim on write; drop keys idle past a generous bound.
	for key, members := range s.sliding {
		if len(members) == 0 || now.Sub(members[len(members)-1].at) > 10*time.Minute {
			delete(s.sliding, key)
		}
	}
}
