package pool

import (
	"time"

	"github.com/blueberrycongee/credmux/pkg/credential"
)

// EventKind names a pool lifecycle transition.
type EventKind string

const (
	EventSubmitted   EventKind = "credential_submitted"
	EventRemoved     EventKind = "credential_removed"
	EventCooled      EventKind = "credential_cooled"
	EventPromoted    EventKind = "credential_promoted"
	EventInvalidated EventKind = "credential_invalidated"
	EventLaneDemoted EventKind = "lane_demoted"
	EventLaneSet     EventKind = "lane_set"
	EventLaneReset   EventKind = "lane_reset"
	EventExhausted   EventKind = "pool_exhausted"
)

// Event is a lifecycle notification emitted by the actor. Consumers read
// these off Events() for audit trails and alerting; delivery is best-effort.
type Event struct {
	Kind         EventKind          `json:"kind"`
	CredentialID string             `json:"credential_id,omitempty"`
	Lane         credential.LaneKey `json:"lane,omitempty"`
	Detail       string             `json:"detail,omitempty"`
	At           time.Time          `json:"at"`
}
