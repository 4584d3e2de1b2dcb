package credential

// LaneKey names an optional upstream feature whose availability varies per
// credential, model family, and account tier.
type LaneKey string

const (
	// LaneLongContextSonnet is the 1M-context lane for sonnet-family models.
	LaneLongContextSonnet LaneKey = "long-context/sonnet"
	// LaneLongContextOpus is the 1M-context lane for opus-family models.
	LaneLongContextOpus LaneKey = "long-context/opus"
)

// LongContextLane returns the long-context lane key for a model family.
func LongContextLane(family string) LaneKey {
	return LaneKey("long-context/" + family)
}

// LaneState is the per-credential tri-state for one feature lane.
//
// AutoProbe is the initial state: the feature is attempted, and a qualifying
// gate rejection demotes the lane to Disabled for this credential until an
// external reset. Enabled and Disabled are sticky operator overrides that
// probe outcomes never change.
type LaneState string

const (
	LaneAutoProbe LaneState = "auto_probe"
	LaneEnabled   LaneState = "enabled"
	LaneDisabled  LaneState = "disabled"
)

// FeatureActive reports whether a call under this state goes out with the
// feature turned on.
func (s LaneState) FeatureActive() bool {
	return s != LaneDisabled
}

// Valid reports whether s is one of the three known states.
func (s LaneState) Valid() bool {
	switch s {
	case LaneAutoProbe, LaneEnabled, LaneDisabled:
		return true
	default:
		return false
	}
}
