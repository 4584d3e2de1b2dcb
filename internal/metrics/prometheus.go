// Package metrics provides Prometheus metrics for credential dispatch,
// pool health, affinity caching, token refresh, and upstream calls.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "credmux"
)

// LatencyBuckets defines histogram buckets for upstream latency (in seconds).
var LatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.0, 3.0, 4.0, 5.0, 7.5, 10.0,
	15.0, 20.0, 30.0, 60.0, 120.0, 180.0, 300.0,
}

// =============================================================================
// Dispatch Metrics
// =============================================================================

var (
	// DispatchTotal counts dispatch decisions by how the credential was
	// chosen: affinity_hit, rotation, or exhausted.
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total dispatch decisions by result",
		},
		[]string{"result"},
	)

	// AffinityEntries tracks the number of live fingerprint pins.
	AffinityEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "affinity_entries",
			Help:      "Live entries in the affinity store",
		},
	)
)

// =============================================================================
// Pool Health Metrics
// =============================================================================

var (
	// PoolCredentials tracks pool membership by state (valid, cooling, invalid).
	PoolCredentials = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_credentials",
			Help:      "Credentials in the pool by state",
		},
		[]string{"state"},
	)

	// OutcomeReports counts attempt outcomes fed back to the pool.
	OutcomeReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcome_reports",
			Help:      "Failure outcomes reported to the pool by category",
		},
		[]string{"category"},
	)

	// CredentialCooldowns counts cooldown entries per credential.
	CredentialCooldowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_cooldowns",
			Help:      "Number of times a credential entered cooldown",
		},
		[]string{"credential_id"},
	)

	// CredentialsInvalidated counts permanent credential removals.
	CredentialsInvalidated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_invalidated",
			Help:      "Credentials permanently invalidated",
		},
	)

	// LaneDemotions counts automatic feature lane demotions.
	LaneDemotions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lane_demotions",
			Help:      "Feature lanes demoted after upstream gate rejections",
		},
		[]string{"lane"},
	)

	// PoolExhausted counts dispatches that found no usable credential.
	PoolExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_exhausted",
			Help:      "Dispatch attempts that found the pool exhausted",
		},
	)
)

// =============================================================================
// Token Refresh Metrics
// =============================================================================

var (
	// TokenRefreshes counts OAuth token refresh attempts by result:
	// success, failure, or throttled.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes",
			Help:      "OAuth token refresh attempts by result",
		},
		[]string{"result"},
	)

	// TokenCacheLookups counts access token cache lookups by result.
	TokenCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_cache_lookups",
			Help:      "Access token cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)
)

// =============================================================================
// Upstream Metrics
// =============================================================================

var (
	// UpstreamRequests counts upstream attempts by provider and status code.
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests",
			Help:      "Upstream attempts by provider and status code",
		},
		[]string{"provider", "status_code"},
	)

	// UpstreamLatency tracks upstream call latency per provider.
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream call latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider"},
	)

	// UpstreamRetries counts redispatch and retry decisions by the failure
	// category that triggered them.
	UpstreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries",
			Help:      "Retries triggered by upstream failures, by category",
		},
		[]string{"category"},
	)
)
