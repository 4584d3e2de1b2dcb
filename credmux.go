// Package credmux multiplexes upstream LLM API traffic across a pool of
// credentials. It decides which credential serves each request, pins
// conversations to the credential that built their prompt cache, rotates on
// auth failures and rate limits, probes per-credential feature lanes, and
// keeps OAuth access tokens fresh behind the scenes.
//
// The zero-config path needs only credentials:
//
//	client, err := credmux.New(
//	    credmux.WithCredential(os.Getenv("ANTHROPIC_API_KEY"), credmux.KindAPIKey),
//	    credmux.WithCredential(os.Getenv("CLAUDE_REFRESH_TOKEN"), credmux.KindOAuth),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	rc := credmux.NewRequestContext(credmux.DialectAnthropic, "claude-sonnet-4-5", false,
//	    []string{systemPrompt, firstUserMessage})
//	res, err := client.Execute(ctx, &credmux.Request{Context: rc, Body: body})
//	if err != nil {
//	    // errors.Is(err, credmux.ErrNoCredentialAvailable) when the pool drained
//	    return err
//	}
//	defer res.Body.Close()
//
// Production deployments load the full stack (Redis-backed affinity, Vault
// secret resolution, audit sinks, hot reload) from a YAML file via
// NewFromConfigFile.
package credmux

import (
	"github.com/blueberrycongee/credmux/internal/observability"
	"github.com/blueberrycongee/credmux/internal/pool"
	"github.com/blueberrycongee/credmux/pkg/affinity"
	"github.com/blueberrycongee/credmux/pkg/credential"
	crederrors "github.com/blueberrycongee/credmux/pkg/errors"
	"github.com/blueberrycongee/credmux/pkg/types"
	"github.com/blueberrycongee/credmux/pkg/upstream"
)

// Version is the credmux library version.
const Version = "0.3.0"

// Core credential types, re-exported for callers that only import credmux.
type (
	// Credential is one pooled secret plus its dispatch state.
	Credential = credential.Credential

	// CredentialSnapshot is a redacted point-in-time view of one credential,
	// as returned by List.
	CredentialSnapshot = credential.Snapshot

	// Kind distinguishes static API keys from OAuth refresh tokens.
	Kind = credential.Kind

	// Health is a credential's dispatch eligibility.
	Health = credential.Health

	// LaneKey names a per-credential feature lane.
	LaneKey = credential.LaneKey

	// LaneState is one lane's probe state on one credential.
	LaneState = credential.LaneState
)

// Request plumbing types.
type (
	// RequestContext carries the per-request dispatch inputs.
	RequestContext = types.RequestContext

	// Fingerprint identifies a conversation for affinity pinning.
	Fingerprint = types.Fingerprint

	// DispatchResult is what Dispatch hands back: the chosen credential and
	// the lane decision for this attempt.
	DispatchResult = types.DispatchResult

	// Outcome reports one failed attempt's classification to the pool.
	Outcome = types.Outcome

	// Dialect names the inbound request format.
	Dialect = types.Dialect
)

// Upstream integration types.
type (
	// Caller performs upstream HTTP calls and classifies their failures.
	Caller = upstream.Caller

	// Attempt is one outbound upstream call.
	Attempt = upstream.Attempt

	// Result is an upstream response with its body still open.
	Result = upstream.Result

	// UpstreamError is a classified upstream failure.
	UpstreamError = crederrors.UpstreamError

	// Category classifies an upstream failure for retry policy.
	Category = crederrors.Category
)

// Extension types.
type (
	// AffinityStore is the pluggable conversation-to-credential cache.
	AffinityStore = affinity.Store

	// Callback receives lifecycle and dispatch audit events.
	Callback = observability.Callback

	// AuditEvent is one credential lifecycle event delivered to callbacks.
	AuditEvent = observability.AuditEvent

	// DispatchRecord summarizes one completed Execute call.
	DispatchRecord = observability.DispatchRecord

	// RequestStatus is the final disposition of one Execute call.
	RequestStatus = observability.RequestStatus
)

// Credential kinds.
const (
	KindAPIKey = credential.KindAPIKey
	KindOAuth  = credential.KindOAuth
)

// Credential health states.
const (
	HealthValid   = credential.HealthValid
	HealthCooling = credential.HealthCooling
	HealthInvalid = credential.HealthInvalid
)

// Lane states. Lanes start in LaneAutoProbe; a gate rejection during probing
// demotes to LaneDisabled, and SetLane applies a sticky operator override.
const (
	LaneAutoProbe = credential.LaneAutoProbe
	LaneEnabled   = credential.LaneEnabled
	LaneDisabled  = credential.LaneDisabled
)

// Request dialects.
const (
	DialectAnthropic = types.DialectAnthropic
	DialectOpenAI    = types.DialectOpenAI
)

// Dispatch record statuses.
const (
	RequestStatusSuccess = observability.RequestStatusSuccess
	RequestStatusFailure = observability.RequestStatusFailure
)

// Failure categories.
const (
	CategoryAuthFailure     = crederrors.CategoryAuthFailure
	CategoryRateLimited     = crederrors.CategoryRateLimited
	CategoryLongContextGate = crederrors.CategoryLongContextGate
	CategoryReauthRequired  = crederrors.CategoryReauthRequired
	CategoryTransport       = crederrors.CategoryTransport
	CategoryUnclassified    = crederrors.CategoryUnclassified
)

// Sentinel errors.
var (
	// ErrNoCredentialAvailable is returned when no valid credential remains
	// for dispatch. Wrapped results still satisfy errors.Is against it.
	ErrNoCredentialAvailable = crederrors.ErrNoCredentialAvailable

	// ErrClosed is returned by operations on a closed client.
	ErrClosed = pool.ErrClosed

	// ErrCredentialNotFound is returned by lane operations on unknown IDs.
	ErrCredentialNotFound = pool.ErrCredentialNotFound
)

// Request construction helpers.
var (
	// NewRequestContext builds a RequestContext: it normalizes the model
	// name, derives the feature lane from any long-context marker, and
	// fingerprints the cacheable segments.
	NewRequestContext = types.NewRequestContext

	// FingerprintSegments hashes an ordered list of cacheable prompt
	// segments into an affinity fingerprint.
	FingerprintSegments = types.FingerprintSegments

	// NormalizeModel strips long-context markers from a model name and
	// reports the lane they select.
	NormalizeModel = types.NormalizeModel

	// LongContextLane maps a model family to its long-context lane key.
	LongContextLane = credential.LongContextLane
)

// Error inspection helpers.
var (
	// CategoryOf extracts the failure category from a classified error,
	// or CategoryUnclassified for foreign errors.
	CategoryOf = crederrors.CategoryOf

	// IsRetryable reports whether another attempt may succeed.
	IsRetryable = crederrors.IsRetryable
)
