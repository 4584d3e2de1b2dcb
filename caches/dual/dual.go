// Package dual provides a two-tier affinity store: an in-process memory tier
// in front of Redis. Replicas behind the same credential pool share pins
// through Redis while repeat lookups on one replica stay local.
package dual

import (
	"context"
	"sync/atomic"

	"github.com/blueberrycongee/credmux/caches/memory"
	"github.com/blueberrycongee/credmux/caches/redis"
	"github.com/blueberrycongee/credmux/pkg/affinity"
	"github.com/blueberrycongee/credmux/pkg/types"
)

// Store reads the local tier first and falls back to Redis with backfill.
// Writes and removals go to both tiers; Redis is authoritative, the local
// tier is a recency cache over it.
type Store struct {
	local  *memory.Store
	remote *redis.Store

	localHits  atomic.Int64
	remoteHits atomic.Int64
	misses     atomic.Int64
	backfills  atomic.Int64
}

// New creates a two-tier store over an existing local and remote store. The
// returned store owns both and closes them with Close.
func New(local *memory.Store, remote *redis.Store) *Store {
	return &Store{
		local:  local,
		remote: remote,
	}
}

// Get returns the credential pinned to fp, checking the local tier first.
// A remote hit is copied into the local tier so the next lookup stays
// in-process.
func (s *Store) Get(ctx context.Context, fp types.Fingerprint) (string, bool, error) {
	if id, ok, err := s.local.Get(ctx, fp); err == nil && ok {
		s.localHits.Add(1)
		return id, true, nil
	}

	id, ok, err := s.remote.Get(ctx, fp)
	if err != nil {
		return "", false, err
	}
	if !ok {
		s.misses.Add(1)
		return "", false, nil
	}

	s.remoteHits.Add(1)
	if err := s.local.Put(ctx, fp, id); err == nil {
		s.backfills.Add(1)
	}
	return id, true, nil
}

// Put pins fp in both tiers. The remote write decides success; a pin that
// only lands locally would silently diverge between replicas.
func (s *Store) Put(ctx context.Context, fp types.Fingerprint, credentialID string) error {
	_ = s.local.Put(ctx, fp, credentialID)
	return s.remote.Put(ctx, fp, credentialID)
}

// Remove drops fp from both tiers.
func (s *Store) Remove(ctx context.Context, fp types.Fingerprint) error {
	_ = s.local.Remove(ctx, fp)
	return s.remote.Remove(ctx, fp)
}

// Len reports the local tier's entry count; the remote tier cannot count
// cheaply.
func (s *Store) Len(ctx context.Context) int {
	return s.local.Len(ctx)
}

// Close closes both tiers.
func (s *Store) Close() error {
	_ = s.local.Close()
	return s.remote.Close()
}

// Stats describes tier traffic since startup.
type Stats struct {
	LocalHits  int64   `json:"local_hits"`
	RemoteHits int64   `json:"remote_hits"`
	Misses     int64   `json:"misses"`
	Backfills  int64   `json:"backfills"`
	HitRate    float64 `json:"hit_rate"`
}

// Stats returns a snapshot of tier traffic.
func (s *Store) Stats() Stats {
	localHits := s.localHits.Load()
	remoteHits := s.remoteHits.Load()
	misses := s.misses.Load()
	total := localHits + remoteHits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(localHits+remoteHits) / float64(total)
	}

	return Stats{
		LocalHits:  localHits,
		RemoteHits: remoteHits,
		Misses:     misses,
		Backfills:  s.backfills.Load(),
		HitRate:    hitRate,
	}
}

var _ affinity.Store = (*Store)(nil)
