package ranging

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RangePrefix starts every range report line.
const RangePrefix = "RNG:"

var (
	// ErrNotRange is returned for replies that are not range reports.
	ErrNotRange = errors.New("not a range report")
	// ErrIncompleteFrame is returned when a range report is missing fields.
	ErrIncompleteFrame = errors.New("incomplete range report")
)

// Layout gives the whitespace separated token positions of the fields in a range
// report line, counting "RNG:" as token 0. They depend on the deckbox model.
type Layout struct {
	Tx         int
	Rx         int
	TravelTime int
}

// DefaultLayout is the EdgeTech 8011M range report layout.
var DefaultLayout = Layout{Tx: 3, Rx: 6, TravelTime: 9}

// Validate checks that every index points past the prefix token.
func (l Layout) Validate() error {
	if l.Tx < 1 || l.Rx < 1 || l.TravelTime < 1 {
		return fmt.Errorf("range report field indices must be >= 1, got %+v", l)
	}
	return nil
}

// Response is a decoded range report.
type Response struct {
	Time   time.Time `json:"time"`
	Replay bool      `json:"replay"`
	Status string    `json:"status,omitempty"`

	Tx         float64 `json:"tx"`
	Rx         float64 `json:"rx"`
	TravelTime float64 `json:"range_time"` // round trip seconds, 0 when no echo
	Range      float64 `json:"range"`      // slant range, metres

	TurnTimeMs float64 `json:"turn_time_ms"`
	SoundSpeed float64 `json:"sound_speed"`
}

// ParseRange decodes the first line of a deckbox reply. A travel time the device
// reports as "--.---" (no echo) is read as 0.
func ParseRange(text string, layout Layout, ac Acoustic) (Response, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	items := strings.Fields(line)
	if len(items) == 0 || items[0] != RangePrefix {
		return Response{}, ErrNotRange
	}
	last := max(layout.Tx, layout.Rx, layout.TravelTime)
	if len(items) <= last {
		return Response{}, fmt.Errorf("%w: %d fields, need %d: %q", ErrIncompleteFrame, len(items), last+1, line)
	}

	tx, err := strconv.ParseFloat(items[layout.Tx], 64)
	if err != nil {
		return Response{}, fmt.Errorf("%w: tx %q", ErrIncompleteFrame, items[layout.Tx])
	}
	rx, err := strconv.ParseFloat(items[layout.Rx], 64)
	if err != nil {
		return Response{}, fmt.Errorf("%w: rx %q", ErrIncompleteFrame, items[layout.Rx])
	}
	travel, err := strconv.ParseFloat(items[layout.TravelTime], 64)
	if err != nil {
		travel = 0
	}

	return Response{
		Tx:         tx,
		Rx:         rx,
		TravelTime: travel,
		Range:      SlantRange(travel, ac.SoundSpeed),
		TurnTimeMs: float64(ac.TurnTime) / float64(time.Millisecond),
		SoundSpeed: ac.SoundSpeed,
	}, nil
}

// SlantRange converts a round trip travel time in seconds into a one way distance.
func SlantRange(travelTime, soundSpeed float64) float64 {
	return travelTime / 2 * soundSpeed
}
