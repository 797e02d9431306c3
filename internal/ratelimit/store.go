// Package ratelimit implements per-IP token buckets with coarse 1 s refill
// granularity. The bucket table is bounded and LRU-evicted so an attacker
// cycling source addresses cannot grow memory without bound.
package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

// Store holds one rule's buckets, keyed by client IP.
type Store struct {
	limit   int           // tokens per window
	window  time.Duration // refill horizon
	maxKeys int

	mu    sync.Mutex
	elems map[string]*list.Element
	lru   *list.List // front = most recently used
	now   func() time.Time
}

type bucket struct {
	key    string
	tokens float64
	last   time.Time
}

// New creates a limiter allowing limit hits per window per key, tracking at
// most maxKeys keys.
func New(limit int, window time.Duration, maxKeys int) *Store {
	if maxKeys <= 0 {
		maxKeys = 4096
	}
	return &Store{
		limit:   limit,
		window:  window,
		maxKeys: maxKeys,
		elems:   map[string]*list.Element{},
		lru:     list.New(),
		now:     time.Now,
	}
}

// Allow consumes one token for key. Returns whether the hit is admitted and,
// when rejected, how long until a token frees up.
func (s *Store) Allow(key string) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().Truncate(time.Second)

	var b *bucket
	if el, ok := s.elems[key]; ok {
		s.lru.MoveToFront(el)
		b = el.Value.(*bucket)
	} else {
		if s.lru.Len() >= s.maxKeys {
			oldest := s.lru.Back()
			if oldest != nil {
				s.lru.Remove(oldest)
				delete(s.elems, oldest.Value.(*bucket).key)
			}
		}
		b = &bucket{key: key, tokens: float64(s.limit), last: now}
		s.elems[key] = s.lru.PushFront(b)
	}

	// Refill at limit/window, whole seconds only.
	elapsed := now.Sub(b.last)
	if elapsed > 0 {
		b.tokens += elapsed.Seconds() * float64(s.limit) / s.window.Seconds()
		if b.tokens > float64(s.limit) {
			b.tokens = float64(s.limit)
		}
		b.last = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	deficit := 1 - b.tokens
	wait := time.Duration(deficit * s.window.Seconds() / float64(s.limit) * float64(time.Second))
	if wait < time.Second {
		wait = time.Second
	}
	return false, wait
}

// Reset clears one key (used by successful logins, which end a
// failed-attempt streak).
func (s *Store) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.elems[key]; ok {
		s.lru.Remove(el)
		delete(s.elems, key)
	}
}

// Len reports how many keys are tracked.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}
