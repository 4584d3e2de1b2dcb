// Package memory provides the default in-process affinity store: a
// capacity-bounded map with sliding per-entry TTL and least-recently-used
// eviction.
package memory

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/blueberrycongee/credmux/pkg/affinity"
	"github.com/blueberrycongee/credmux/pkg/types"
)

// Config holds configuration for the memory store.
type Config struct {
	TTL             time.Duration // Sliding entry lifetime (default: 15 minutes)
	MaxEntries      int           // Capacity bound (default: 4096)
	CleanupInterval time.Duration // Background sweep interval (default: 1 minute)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             15 * time.Minute,
		MaxEntries:      4096,
		CleanupInterval: time.Minute,
	}
}

// Store implements affinity.Store in process memory.
type Store struct {
	mu      sync.Mutex
	entries map[types.Fingerprint]*list.Element
	order   *list.List // front = most recently touched
	ttl     time.Duration
	max     int

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

type entry struct {
	fp           types.Fingerprint
	credentialID string
	expiresAt    time.Time
}

// New creates a memory store and starts its background sweep.
func New(cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 4096
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	s := &Store{
		entries:     make(map[types.Fingerprint]*list.Element),
		order:       list.New(),
		ttl:         cfg.TTL,
		max:         cfg.MaxEntries,
		stopCleanup: make(chan struct{}),
	}

	s.cleanupTicker = time.NewTicker(cfg.CleanupInterval)
	go s.cleanupLoop()

	return s
}

// Get returns the credential pinned to fp, refreshing its TTL and recency.
// Expired entries are removed lazily here and never returned.
func (s *Store) Get(ctx context.Context, fp types.Fingerprint) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[fp]
	if !ok {
		return "", false, nil
	}

	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		s.order.Remove(el)
		delete(s.entries, fp)
		return "", false, nil
	}

	e.expiresAt = time.Now().Add(s.ttl)
	s.order.MoveToFront(el)
	return e.credentialID, true, nil
}

// Put pins fp to the credential, evicting the least-recently-touched entry
// when the store is at capacity.
func (s *Store) Put(ctx context.Context, fp types.Fingerprint, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[fp]; ok {
		e := el.Value.(*entry)
		e.credentialID = credentialID
		e.expiresAt = time.Now().Add(s.ttl)
		s.order.MoveToFront(el)
		return nil
	}

	if len(s.entries) >= s.max {
		if oldest := s.order.Back(); oldest != nil {
			s.order.Remove(oldest)
			delete(s.entries, oldest.Value.(*entry).fp)
		}
	}

	s.entries[fp] = s.order.PushFront(&entry{
		fp:           fp,
		credentialID: credentialID,
		expiresAt:    time.Now().Add(s.ttl),
	})
	return nil
}

// Remove drops the entry for fp if present.
func (s *Store) Remove(ctx context.Context, fp types.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[fp]; ok {
		s.order.Remove(el)
		delete(s.entries, fp)
	}
	return nil
}

// Len reports the current entry count.
func (s *Store) Len(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the background sweep.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.cleanupTicker.Stop()
		close(s.stopCleanup)
	})
	return nil
}

func (s *Store) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.evictExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

// evictExpired sweeps from the cold end of the list. With a uniform sliding
// TTL the least-recently-touched entry is also the earliest-expiring one, so
// the sweep can stop at the first live entry.
func (s *Store) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for {
		oldest := s.order.Back()
		if oldest == nil {
			return
		}
		e := oldest.Value.(*entry)
		if e.expiresAt.After(now) {
			return
		}
		s.order.Remove(oldest)
		delete(s.entries, e.fp)
	}
}

var _ affinity.Store = (*Store)(nil)
