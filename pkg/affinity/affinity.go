// Package affinity defines the public contract for affinity stores: the
// time-bounded mapping from a request fingerprint to the credential last
// chosen for it. Entries are hints, never authoritative pool membership; a
// stale entry is a dispatch miss, not an error.
package affinity

import (
	"context"
	"time"

	"github.com/blueberrycongee/credmux/pkg/types"
)

// Type represents the affinity store backend.
type Type string

const (
	TypeMemory Type = "memory" // In-process store with TTL + LRU bounds
	TypeRedis  Type = "redis"  // Redis store shared across replicas
	TypeDual   Type = "dual"   // Memory tier in front of Redis
	TypeNone   Type = "none"   // Affinity disabled
)

// Store maps fingerprints to credential IDs with sliding expiry.
type Store interface {
	// Get returns the credential ID pinned to fp, refreshing the entry's
	// TTL. ok is false for absent or expired entries.
	Get(ctx context.Context, fp types.Fingerprint) (credentialID string, ok bool, err error)

	// Put pins fp to the credential, overwriting any prior entry.
	Put(ctx context.Context, fp types.Fingerprint, credentialID string) error

	// Remove drops the entry for fp if present.
	Remove(ctx context.Context, fp types.Fingerprint) error

	// Len reports the current entry count, for metrics. Stores that cannot
	// count cheaply may return -1.
	Len(ctx context.Context) int

	// Close releases any resources held by the store.
	Close() error
}

// Config carries the tunables every store honors.
type Config struct {
	// TTL is the sliding entry lifetime, measured from last access.
	TTL time.Duration
	// MaxEntries bounds in-process stores; 0 means the store's default.
	// Redis stores ignore it and rely on server-side eviction.
	MaxEntries int
}

// NoopStore disables affinity: every lookup misses, every write is dropped.
type NoopStore struct{}

func (NoopStore) Get(context.Context, types.Fingerprint) (string, bool, error) {
	return "", false, nil
}

func (NoopStore) Put(context.Context, types.Fingerprint, string) error { return nil }

func (NoopStore) Remove(context.Context, types.Fingerprint) error { return nil }

func (NoopStore) Len(context.Context) int { return 0 }

func (NoopStore) Close() error { return nil }
