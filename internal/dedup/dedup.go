// Package dedup remembers recently seen delivery IDs so at-least-once
// channels process each delivery once.
package dedup

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultSize bounds the number of remembered IDs.
	DefaultSize = 10000
	// DefaultTTL is how long an ID is remembered.
	DefaultTTL = 24 * time.Hour
)

// Set is a bounded, expiring set of seen keys. It is safe for concurrent use.
type Set[K comparable] struct {
	mu   sync.Mutex
	seen *expirable.LRU[K, struct{}]
}

// New creates a set holding at most size keys for ttl each. Non-positive
// arguments fall back to DefaultSize and DefaultTTL.
func New[K comparable](size int, ttl time.Duration) *Set[K] {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Set[K]{seen: expirable.NewLRU[K, struct{}](size, nil, ttl)}
}

// Accept records key and reports whether it was new.
func (s *Set[K]) Accept(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen.Peek(key); ok {
		return false
	}
	s.seen.Add(key, struct{}{})
	return true
}

// Len returns the number of remembered keys.
func (s *Set[K]) Len() int {
	return s.seen.Len()
}
