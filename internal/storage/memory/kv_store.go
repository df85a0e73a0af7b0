// Package memory provides in-process storage used in development and tests.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/keypick-gateway/internal/clock"
	"github.com/JakeFAU/keypick-gateway/internal/gateway"
)

type entry struct {
	value   []byte
	expires time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// KVStore provides an in-memory TTL key-value store.
type KVStore struct {
	mu      sync.Mutex
	clock   gateway.Clock
	entries map[string]entry
}

// NewKVStore constructs a KVStore. A nil clock falls back to the system clock.
func NewKVStore(c gateway.Clock) *KVStore {
	if c == nil {
		c = clock.New()
	}
	return &KVStore{
		clock:   c,
		entries: make(map[string]entry),
	}
}

// Get returns the value at key or gateway.ErrNotFound when absent or expired.
func (s *KVStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return nil, gateway.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores value at key. A non-positive ttl never expires.
func (s *KVStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	s.entries[key] = entry{value: stored, expires: s.deadline(ttl)}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *KVStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Incr increments the counter at key, applying ttl only when the key is created.
func (s *KVStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		s.entries[key] = entry{value: []byte("1"), expires: s.deadline(ttl)}
		return 1, nil
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	s.entries[key] = e
	return n, nil
}

// Len reports the number of live entries.
func (s *KVStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := s.clock.Now()
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// lookup must be called with mu held. Expired entries are evicted lazily.
func (s *KVStore) lookup(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.clock.Now()) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func (s *KVStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

var _ gateway.KVStore = (*KVStore)(nil)
