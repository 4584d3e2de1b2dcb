// Package pool implements the credential pool: the dispatch engine that
// chooses a credential per request and the actor that owns all pool state.
//
// The valid queue rotates round-robin (pop head, push tail). Cooling
// credentials rejoin the tail lazily, checked once per dispatch rather than
// on a timer. The affinity store is consulted before rotation and only ever
// supplies hints: a pinned credential that is no longer in the valid queue is
// a miss.
package pool

import (
	"context"
	"log/slog"
	"time"

	"github.com/blueberrycongee/credmux/pkg/affinity"
	"github.com/blueberrycongee/credmux/pkg/credential"
	crederrors "github.com/blueberrycongee/credmux/pkg/errors"
	"github.com/blueberrycongee/credmux/pkg/types"
)

// state holds the pool. Only the actor goroutine touches it, so there are no
// locks here; linearizability comes from the message loop.
type state struct {
	valid   []*credential.Credential // head = next to dispatch
	cooling []*credential.Credential
	invalid map[string]struct{}

	store    affinity.Store
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// reconcile promotes every cooling credential whose wake time has elapsed
// back to the tail of the valid queue.
func (s *state) reconcile(emit func(Event)) {
	if len(s.cooling) == 0 {
		return
	}
	now := s.now()
	remaining := s.cooling[:0]
	for _, c := range s.cooling {
		if now.Before(c.CoolingUntil) {
			remaining = append(remaining, c)
			continue
		}
		c.Health = credential.HealthValid
		c.CoolingUntil = time.Time{}
		s.valid = append(s.valid, c)
		s.logger.Info("credential rejoined pool after cooldown", "credential_id", c.ID)
		emit(Event{Kind: EventPromoted, CredentialID: c.ID, At: now})
	}
	s.cooling = remaining
}

// dispatch implements the choose step: affinity hit if the pinned credential
// is still in the valid queue, otherwise one round-robin rotation.
func (s *state) dispatch(ctx context.Context, fp *types.Fingerprint, lane credential.LaneKey, emit func(Event)) (*types.DispatchResult, error) {
	s.reconcile(emit)

	if fp != nil {
		if id, ok, err := s.store.Get(ctx, *fp); err != nil {
			s.logger.Warn("affinity lookup failed", "fingerprint", fp.String(), "error", err)
		} else if ok {
			if c := s.findValid(id); c != nil {
				c.LastUsed = s.now()
				return s.result(c, lane, true), nil
			}
			// Pinned credential left the valid queue; fall through to
			// rotation, which re-pins below.
		}
	}

	if len(s.valid) == 0 {
		emit(Event{Kind: EventExhausted, At: s.now(), Detail: s.exhaustionDetail()})
		return nil, crederrors.ErrNoCredentialAvailable
	}

	c := s.valid[0]
	s.valid = append(s.valid[1:], c)
	c.LastUsed = s.now()

	if fp != nil {
		if err := s.store.Put(ctx, *fp, c.ID); err != nil {
			s.logger.Warn("affinity pin failed", "fingerprint", fp.String(), "credential_id", c.ID, "error", err)
		}
	}

	return s.result(c, lane, false), nil
}

func (s *state) result(c *credential.Credential, lane credential.LaneKey, hit bool) *types.DispatchResult {
	r := &types.DispatchResult{
		Credential:  c.Clone(),
		Lane:        lane,
		AffinityHit: hit,
	}
	if lane != "" {
		r.LaneActive = c.LaneActive(lane)
	}
	return r
}

func (s *state) exhaustionDetail() string {
	if len(s.cooling) > 0 {
		return "all credentials cooling"
	}
	return "pool empty"
}

func (s *state) findValid(id string) *credential.Credential {
	for _, c := range s.valid {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *state) findCooling(id string) *credential.Credential {
	for _, c := range s.cooling {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// find returns the credential with the given ID from the valid queue or the
// cooling set.
func (s *state) find(id string) *credential.Credential {
	if c := s.findValid(id); c != nil {
		return c
	}
	return s.findCooling(id)
}

// submit adds a credential for the secret. Resubmitting a secret already in
// the pool is a no-op; resubmitting an invalidated secret re-provisions it
// with fresh counters.
func (s *state) submit(secret string, kind credential.Kind, emit func(Event)) (string, bool) {
	id := credential.IDFor(secret)
	if s.find(id) != nil {
		return id, false
	}
	delete(s.invalid, id)

	c := credential.New(secret, kind)
	s.valid = append(s.valid, c)
	s.logger.Info("credential added", "credential_id", c.ID, "kind", string(c.Kind))
	emit(Event{Kind: EventSubmitted, CredentialID: c.ID, At: s.now()})
	return id, true
}

// remove deletes a credential by ID, from either the valid queue or the
// cooling set. Unknown IDs are a no-op.
func (s *state) remove(id string, emit func(Event)) bool {
	if !s.drop(id) {
		return false
	}
	s.logger.Info("credential removed", "credential_id", id)
	emit(Event{Kind: EventRemoved, CredentialID: id, At: s.now()})
	return true
}

// drop removes the credential from whichever membership holds it.
func (s *state) drop(id string) bool {
	for i, c := range s.valid {
		if c.ID == id {
			s.valid = append(s.valid[:i], s.valid[i+1:]...)
			return true
		}
	}
	for i, c := range s.cooling {
		if c.ID == id {
			s.cooling = append(s.cooling[:i], s.cooling[i+1:]...)
			return true
		}
	}
	return false
}

// markCooling moves a valid credential into the cooling set until wake.
// Already-cooling credentials keep the later of the two wake times.
func (s *state) markCooling(id string, wake time.Time, emit func(Event)) {
	if c := s.findCooling(id); c != nil {
		if wake.After(c.CoolingUntil) {
			c.CoolingUntil = wake
		}
		return
	}
	c := s.findValid(id)
	if c == nil {
		return
	}
	s.drop(id)
	c.Health = credential.HealthCooling
	c.CoolingUntil = wake
	s.cooling = append(s.cooling, c)
	s.logger.Warn("credential cooling", "credential_id", id, "until", wake)
	emit(Event{Kind: EventCooled, CredentialID: id, At: s.now(), Detail: "until " + wake.Format(time.RFC3339)})
}

// markInvalid permanently removes the credential. Idempotent: late reports
// for an already-invalid credential change nothing.
func (s *state) markInvalid(id string, emit func(Event)) {
	if _, gone := s.invalid[id]; gone {
		return
	}
	if !s.drop(id) {
		return
	}
	s.invalid[id] = struct{}{}
	s.logger.Error("credential invalidated", "credential_id", id)
	emit(Event{Kind: EventInvalidated, CredentialID: id, At: s.now()})
}

// reportOutcome feeds one failed attempt back into pool state.
func (s *state) reportOutcome(o types.Outcome, emit func(Event)) {
	c := s.find(o.CredentialID)
	if c != nil && o.StatusCode == 403 {
		c.Count403++
	}

	switch o.Category {
	case crederrors.CategoryAuthFailure:
		s.markInvalid(o.CredentialID, emit)
	case crederrors.CategoryRateLimited:
		cool := o.RetryAfter
		if cool <= 0 {
			cool = s.cooldown
		}
		s.markCooling(o.CredentialID, s.now().Add(cool), emit)
	case crederrors.CategoryLongContextGate:
		if c == nil || o.Lane == "" {
			return
		}
		if c.DemoteLane(o.Lane) {
			s.logger.Warn("feature lane demoted", "credential_id", c.ID, "lane", string(o.Lane))
			emit(Event{Kind: EventLaneDemoted, CredentialID: c.ID, Lane: o.Lane, At: s.now()})
		}
	case crederrors.CategoryReauthRequired, crederrors.CategoryTransport, crederrors.CategoryUnclassified:
		// No pool transition. Reauth is handled by the token lifecycle; if
		// it fails there, an auth_failure report follows.
	}
}

// snapshot lists the pool for administrative surfaces: valid queue in
// dispatch order, then cooling credentials.
func (s *state) snapshot() []credential.Snapshot {
	out := make([]credential.Snapshot, 0, len(s.valid)+len(s.cooling))
	for _, c := range s.valid {
		out = append(out, c.Snapshot())
	}
	for _, c := range s.cooling {
		out = append(out, c.Snapshot())
	}
	return out
}

func (s *state) setLane(id string, lane credential.LaneKey, st credential.LaneState, emit func(Event)) bool {
	c := s.find(id)
	if c == nil {
		return false
	}
	c.SetLane(lane, st)
	emit(Event{Kind: EventLaneSet, CredentialID: id, Lane: lane, At: s.now(), Detail: string(st)})
	return true
}

func (s *state) resetLane(id string, lane credential.LaneKey, emit func(Event)) bool {
	c := s.find(id)
	if c == nil {
		return false
	}
	c.ResetLane(lane)
	emit(Event{Kind: EventLaneReset, CredentialID: id, Lane: lane, At: s.now()})
	return true
}
