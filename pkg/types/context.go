// Package types defines the request-scoped values that flow through credential
// dispatch: the immutable request context, the cacheable-content fingerprint,
// and the outcome reported back after each upstream attempt.
package types

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/credmux/pkg/credential"
	crederrors "github.com/blueberrycongee/credmux/pkg/errors"
)

// Dialect tags the API format of the inbound request. Translation between
// dialects is a collaborator's job; dispatch only carries the tag through.
type Dialect string

const (
	DialectAnthropic Dialect = "anthropic"
	DialectOpenAI    Dialect = "openai"
)

// RequestContext is built once per inbound request and immutable afterward.
// It flows unchanged through dispatch and every retry of the same request.
type RequestContext struct {
	// ID identifies the request in logs, traces, and audit events.
	ID string `json:"id"`
	// Dialect is the inbound API format tag.
	Dialect Dialect `json:"dialect"`
	// Model is the upstream model name with any long-context marker stripped.
	Model string `json:"model"`
	// Stream indicates a streaming response was requested.
	Stream bool `json:"stream"`
	// Fingerprint is set when the client marked content cacheable.
	Fingerprint    Fingerprint `json:"fingerprint,omitempty"`
	HasFingerprint bool        `json:"has_fingerprint"`
	// RequiredLane is the feature lane the request asked for, if any.
	RequiredLane credential.LaneKey `json:"required_lane,omitempty"`
}

// NewRequestContext derives the context from an already-parsed inbound
// request. cacheable holds the content segments the client marked cacheable,
// in their original order; an empty slice means no affinity.
func NewRequestContext(dialect Dialect, model string, stream bool, cacheable []string) RequestContext {
	rc := RequestContext{
		ID:      uuid.NewString(),
		Dialect: dialect,
		Stream:  stream,
	}
	rc.Model, rc.RequiredLane = NormalizeModel(model)
	rc.Fingerprint, rc.HasFingerprint = FingerprintSegments(cacheable)
	return rc
}

// Long-context markers accepted on inbound model names.
var longContextSuffixes = []string{"-1m", "[1m]"}

// NormalizeModel strips a long-context marker from the model name and returns
// the lane it selects. The marker may sit at the end ("claude-sonnet-4-1m") or
// before a trailing "-thinking" variant ("claude-sonnet-4-1m-thinking").
// Models without a marker need no lane.
func NormalizeModel(model string) (string, credential.LaneKey) {
	base, rest := model, ""
	if lower := strings.ToLower(model); strings.HasSuffix(lower, "-thinking") {
		base, rest = model[:len(model)-len("-thinking")], model[len(model)-len("-thinking"):]
	}
	lower := strings.ToLower(base)
	for _, suffix := range longContextSuffixes {
		if strings.HasSuffix(lower, suffix) {
			trimmed := base[:len(base)-len(suffix)] + rest
			return trimmed, credential.LongContextLane(modelFamily(trimmed))
		}
	}
	return model, ""
}

// modelFamily pulls the family token out of a model name like
// "claude-sonnet-4-5". Unknown families get their own lane rather than
// sharing state with a known one.
func modelFamily(model string) string {
	lower := strings.ToLower(model)
	for _, family := range []string{"sonnet", "opus", "haiku"} {
		if strings.Contains(lower, family) {
			return family
		}
	}
	return "default"
}

// DispatchResult is what a successful dispatch hands back: a cloned
// credential, the lane decision for this attempt, and whether the choice came
// from the affinity cache.
type DispatchResult struct {
	Credential *credential.Credential
	// Lane echoes the requested lane, empty when the request needed none.
	Lane credential.LaneKey
	// LaneActive is the effective feature flag for this attempt.
	LaneActive bool
	// AffinityHit is true when the fingerprint pinned an existing credential.
	AffinityHit bool
}

// Outcome reports one failed upstream attempt back to the pool. Successful
// attempts are not reported; dispatch already stamps LastUsed.
type Outcome struct {
	CredentialID string `json:"credential_id"`
	// Lane is set when the attempt went out with a feature lane active.
	Lane     credential.LaneKey  `json:"lane,omitempty"`
	Category crederrors.Category `json:"category"`
	// StatusCode drives the 403 accounting; zero for transport failures.
	StatusCode int `json:"status_code,omitempty"`
	// RetryAfter overrides the configured cooldown when upstream announced
	// a reset time.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}
