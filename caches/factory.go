// Package caches provides the public affinity store implementations for
// credmux library mode: in-process memory and Redis backends.
package caches

import (
	"fmt"

	"github.com/blueberrycongee/credmux/caches/dual"
	"github.com/blueberrycongee/credmux/caches/memory"
	"github.com/blueberrycongee/credmux/caches/redis"
	"github.com/blueberrycongee/credmux/pkg/affinity"
)

// Type re-exports store types for convenience.
type Type = affinity.Type

// Store type constants.
const (
	TypeMemory = affinity.TypeMemory
	TypeRedis  = affinity.TypeRedis
	TypeDual   = affinity.TypeDual
	TypeNone   = affinity.TypeNone
)

// NewMemory creates an in-process store with the given configuration.
func NewMemory(cfg memory.Config) *memory.Store {
	return memory.New(cfg)
}

// NewMemoryDefault creates an in-process store with default configuration.
func NewMemoryDefault() *memory.Store {
	return memory.New(memory.DefaultConfig())
}

// NewRedis creates a Redis store with the given configuration.
// Returns an error if the Redis connection fails.
func NewRedis(cfg redis.Config) (*redis.Store, error) {
	return redis.New(cfg)
}

// NewDual creates a memory-fronted Redis store.
func NewDual(memCfg memory.Config, redisCfg redis.Config) (*dual.Store, error) {
	remote, err := redis.New(redisCfg)
	if err != nil {
		return nil, err
	}
	return dual.New(memory.New(memCfg), remote), nil
}

// New creates a store by type name, using each backend's defaults where the
// config leaves fields zero.
func New(t Type, memCfg memory.Config, redisCfg redis.Config) (affinity.Store, error) {
	switch t {
	case TypeMemory, "":
		return memory.New(memCfg), nil
	case TypeRedis:
		return redis.New(redisCfg)
	case TypeDual:
		return NewDual(memCfg, redisCfg)
	case TypeNone:
		return affinity.NoopStore{}, nil
	default:
		return nil, fmt.Errorf("unknown affinity store type: %q", t)
	}
}

// Re-export config types for convenience.
type (
	MemoryConfig = memory.Config
	RedisConfig  = redis.Config
)

// Re-export default config functions.
var (
	DefaultMemoryConfig = memory.DefaultConfig
	DefaultRedisConfig  = redis.DefaultConfig
)
