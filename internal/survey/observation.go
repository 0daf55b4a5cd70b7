// Package survey merges the navigation and ranging streams into observations.
package survey

import (
	"errors"
	"time"

	"github.com/relabs-tech/ranging_survey/internal/gps"
	"github.com/relabs-tech/ranging_survey/internal/ranging"
	"github.com/relabs-tech/ranging_survey/internal/stream"
)

// ErrClockSkew ends a live run when the computer clock and navigation time disagree.
var ErrClockSkew = errors.New("navigation time and computer time are not in sync")

// Observation is a range response paired with the navigation fix in effect when it
// arrived, or a terminal marker. Terminal observations carry neither Fix nor Range.
type Observation struct {
	Kind   stream.Kind       `json:"kind"`
	Stream string            `json:"stream,omitempty"` // stream that produced a terminal marker
	Fix    *gps.Fix          `json:"fix,omitempty"`
	Range  *ranging.Response `json:"range,omitempty"`
	Err    error             `json:"-"`
}

// Terminal reports whether o ends the run.
func (o Observation) Terminal() bool { return o.Kind.Terminal() }

// Time returns the arrival time of the range response.
func (o Observation) Time() time.Time {
	if o.Range == nil {
		return time.Time{}
	}
	return o.Range.Time
}

// Flag names the observation the way the observation log does: "live" or "replay"
// for ranges, the marker name otherwise.
func (o Observation) Flag() string {
	switch {
	case o.Terminal():
		return o.Kind.String()
	case o.Range != nil && o.Range.Replay:
		return "replay"
	default:
		return "live"
	}
}

// Usable reports whether o can feed the solver.
func (o Observation) Usable() bool {
	return !o.Terminal() && o.Fix != nil && o.Fix.HasPosition() && o.Range != nil && o.Range.TravelTime > 0
}
