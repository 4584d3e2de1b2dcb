// Package credential defines the credential record owned by the pool: one
// upstream account identity with independent health, failure counters, and
// per-feature-lane state. All mutation happens inside the pool actor; every
// other component works on clones or snapshots.
package credential

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Kind describes how a secret turns into request authorization.
type Kind string

const (
	// KindAPIKey secrets are sent upstream as-is.
	KindAPIKey Kind = "api_key"
	// KindOAuth secrets are refresh tokens; access tokens are minted and
	// cached by the token lifecycle component.
	KindOAuth Kind = "oauth"
)

// Health is the pool-membership state of a credential.
type Health int

const (
	// HealthValid credentials participate in round-robin dispatch.
	HealthValid Health = iota
	// HealthCooling credentials are excluded until their wake time elapses.
	HealthCooling
	// HealthInvalid credentials are permanently removed; only external
	// re-provisioning restores capacity.
	HealthInvalid
)

// String returns the health name used in logs and snapshots.
func (h Health) String() string {
	switch h {
	case HealthValid:
		return "valid"
	case HealthCooling:
		return "cooling"
	case HealthInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("health(%d)", int(h))
	}
}

// Credential is one upstream account identity. The secret is the identity;
// ID is a stable digest of it so the secret never appears in logs or listings.
type Credential struct {
	ID           string                `json:"id"`
	Secret       string                `json:"-"` // Never serialize
	Kind         Kind                  `json:"kind"`
	Health       Health                `json:"-"`
	CoolingUntil time.Time             `json:"cooling_until,omitempty"`
	Count403     uint64                `json:"count_403"`
	Lanes        map[LaneKey]LaneState `json:"lanes,omitempty"`
	AddedAt      time.Time             `json:"added_at"`
	LastUsed     time.Time             `json:"last_used,omitempty"`
}

// New creates a Valid credential for the given secret. The ID is a 64-bit
// digest of the secret, so resubmitting the same secret yields the same ID.
func New(secret string, kind Kind) *Credential {
	if kind == "" {
		kind = KindAPIKey
	}
	return &Credential{
		ID:      IDFor(secret),
		Secret:  secret,
		Kind:    kind,
		Health:  HealthValid,
		Lanes:   make(map[LaneKey]LaneState),
		AddedAt: time.Now(),
	}
}

// IDFor returns the stable public identifier for a secret.
func IDFor(secret string) string {
	return fmt.Sprintf("cred-%016x", xxhash.Sum64String(secret))
}

// LaneState returns the state of the given lane. An absent entry means the
// lane is untried, which defaults to auto-probe.
func (c *Credential) LaneState(lane LaneKey) LaneState {
	if s, ok := c.Lanes[lane]; ok && s != "" {
		return s
	}
	return LaneAutoProbe
}

// LaneActive reports whether a call on this credential should have the lane's
// feature turned on. Enabled and AutoProbe are on; Disabled is off.
func (c *Credential) LaneActive(lane LaneKey) bool {
	return c.LaneState(lane).FeatureActive()
}

// DemoteLane applies the auto-probe demotion: AutoProbe becomes Disabled.
// Operator overrides (Enabled, Disabled) are sticky and never auto-transition;
// the return value reports whether the state actually changed.
func (c *Credential) DemoteLane(lane LaneKey) bool {
	if c.LaneState(lane) != LaneAutoProbe {
		return false
	}
	if c.Lanes == nil {
		c.Lanes = make(map[LaneKey]LaneState)
	}
	c.Lanes[lane] = LaneDisabled
	return true
}

// SetLane applies an operator override for the lane.
func (c *Credential) SetLane(lane LaneKey, state LaneState) {
	if c.Lanes == nil {
		c.Lanes = make(map[LaneKey]LaneState)
	}
	c.Lanes[lane] = state
}

// ResetLane clears any state for the lane, returning it to auto-probe.
func (c *Credential) ResetLane(lane LaneKey) {
	delete(c.Lanes, lane)
}

// Clone returns a deep copy safe to hand outside the pool actor.
func (c *Credential) Clone() *Credential {
	cp := *c
	cp.Lanes = make(map[LaneKey]LaneState, len(c.Lanes))
	for k, v := range c.Lanes {
		cp.Lanes[k] = v
	}
	return &cp
}

// Snapshot is the admin-listing view of a credential. The secret is redacted.
type Snapshot struct {
	ID           string                `json:"id"`
	Secret       string                `json:"secret"`
	Kind         Kind                  `json:"kind"`
	Health       string                `json:"health"`
	CoolingUntil time.Time             `json:"cooling_until,omitempty"`
	Count403     uint64                `json:"count_403"`
	Lanes        map[LaneKey]LaneState `json:"lanes,omitempty"`
	AddedAt      time.Time             `json:"added_at"`
	LastUsed     time.Time             `json:"last_used,omitempty"`
}

// Snapshot returns the redacted listing view.
func (c *Credential) Snapshot() Snapshot {
	lanes := make(map[LaneKey]LaneState, len(c.Lanes))
	for k, v := range c.Lanes {
		lanes[k] = v
	}
	return Snapshot{
		ID:           c.ID,
		Secret:       RedactSecret(c.Secret),
		Kind:         c.Kind,
		Health:       c.Health.String(),
		CoolingUntil: c.CoolingUntil,
		Count403:     c.Count403,
		Lanes:        lanes,
		AddedAt:      c.AddedAt,
		LastUsed:     c.LastUsed,
	}
}

// RedactSecret masks a secret for logs and listings, keeping just enough of
// the prefix and suffix to tell credentials apart by eye.
func RedactSecret(secret string) string {
	if len(secret) <= 12 {
		return "***"
	}
	return secret[:8] + "..." + secret[len(secret)-4:]
}
