// Package redis provides a Redis-backed affinity store, letting replicas
// behind the same pool share fingerprint pins.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/credmux/pkg/affinity"
	"github.com/blueberrycongee/credmux/pkg/types"
)

// Config holds configuration for the Redis store.
type Config struct {
	// Single node configuration
	Addr     string `yaml:"addr"`     // Redis address (e.g., "localhost:6379")
	Password string `yaml:"password"` // Redis password
	DB       int    `yaml:"db"`       // Redis database number

	// Cluster configuration
	ClusterAddrs []string `yaml:"cluster_addrs"` // Redis cluster addresses

	// Sentinel configuration
	SentinelAddrs  []string `yaml:"sentinel_addrs"`  // Sentinel addresses
	SentinelMaster string   `yaml:"sentinel_master"` // Sentinel master name

	// Common configuration
	KeyPrefix    string        `yaml:"key_prefix"`     // Key prefix (default: "credmux:aff")
	TTL          time.Duration `yaml:"ttl"`            // Sliding entry lifetime (default: 15 minutes)
	DialTimeout  time.Duration `yaml:"dial_timeout"`   // Connection timeout
	ReadTimeout  time.Duration `yaml:"read_timeout"`   // Read timeout
	WriteTimeout time.Duration `yaml:"write_timeout"`  // Write timeout
	PoolSize     int           `yaml:"pool_size"`      // Connection pool size
	MinIdleConns int           `yaml:"min_idle_conns"` // Minimum idle connections
	MaxRetries   int           `yaml:"max_retries"`    // Maximum retries
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		KeyPrefix:    "credmux:aff",
		TTL:          15 * time.Minute,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
}

// Store implements affinity.Store on Redis. Reads refresh the entry TTL with
// GETEX, matching the memory store's sliding expiry. The capacity bound is
// left to the Redis server's eviction policy.
type Store struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New creates a Redis store and verifies connectivity.
func New(cfg Config) (*Store, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "credmux:aff"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	var client goredis.UniversalClient

	switch {
	case len(cfg.ClusterAddrs) > 0:
		client = goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:        cfg.ClusterAddrs,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
		})
	case len(cfg.SentinelAddrs) > 0:
		client = goredis.NewFailoverClient(&goredis.FailoverOptions{
			MasterName:    cfg.SentinelMaster,
			SentinelAddrs: cfg.SentinelAddrs,
			Password:      cfg.Password,
			DB:            cfg.DB,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
			PoolSize:      cfg.PoolSize,
			MinIdleConns:  cfg.MinIdleConns,
			MaxRetries:    cfg.MaxRetries,
		})
	default:
		client = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Store{
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
	}, nil
}

func (s *Store) key(fp types.Fingerprint) string {
	return s.prefix + ":" + fp.String()
}

// Get returns the credential pinned to fp, refreshing the entry's TTL.
func (s *Store) Get(ctx context.Context, fp types.Fingerprint) (string, bool, error) {
	val, err := s.client.GetEx(ctx, s.key(fp), s.ttl).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis getex: %w", err)
	}
	return val, true, nil
}

// Put pins fp to the credential.
func (s *Store) Put(ctx context.Context, fp types.Fingerprint, credentialID string) error {
	if err := s.client.Set(ctx, s.key(fp), credentialID, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Remove drops the entry for fp.
func (s *Store) Remove(ctx context.Context, fp types.Fingerprint) error {
	if err := s.client.Del(ctx, s.key(fp)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Len returns -1: counting prefixed keys would need a SCAN and the value is
// only used for gauges.
func (s *Store) Len(ctx context.Context) int {
	return -1
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ affinity.Store = (*Store)(nil)
