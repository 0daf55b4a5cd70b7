package gps

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

// Quality is the GGA fix quality indicator.
type Quality int

const (
	QualityInvalid Quality = iota
	QualityGPS
	QualityDGPS
	QualityPPS
	QualityRTKFixed
	QualityRTKFloat
	QualityDeadReckoning
	QualityManual
	QualitySimulation
)

var qualityNames = [...]string{
	"Invalid",
	"GPS",
	"DGPS",
	"PPS",
	"RTK-fixed",
	"RTK-float",
	"Dead-reckoning",
	"Manual",
	"Simulation",
}

func (q Quality) String() string {
	if q < 0 || int(q) >= len(qualityNames) {
		return fmt.Sprintf("Quality(%d)", int(q))
	}
	return qualityNames[q]
}

// MarshalJSON writes the quality by name.
func (q Quality) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

// UnmarshalJSON accepts a quality name.
func (q *Quality) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for i, name := range qualityNames {
		if name == s {
			*q = Quality(i)
			return nil
		}
	}
	return fmt.Errorf("unknown fix quality %q", s)
}

// Fix is one navigation sample composed from all sentences sharing a timestamp.
// Nil fields were absent or could not be decoded.
type Fix struct {
	// Time is the UTC time of day of the fix.
	Time time.Duration `json:"-"`
	// UTCTime is Time formatted as HH:MM:SS.sss.
	UTCTime string `json:"utc_time"`

	Latitude  *float64 `json:"lat,omitempty"` // decimal degrees, south negative
	Longitude *float64 `json:"lon,omitempty"` // decimal degrees, west negative

	Quality      *Quality `json:"quality,omitempty"`
	Satellites   *int     `json:"satellites,omitempty"`
	HDOP         *float64 `json:"hdop,omitempty"`
	HeightMSL    *float64 `json:"height_msl,omitempty"`
	HeightUnit   string   `json:"height_unit,omitempty"`
	GeoidSep     *float64 `json:"geoid_sep,omitempty"`
	GeoidSepUnit string   `json:"geoid_sep_unit,omitempty"`

	CourseDeg  *float64 `json:"course_deg,omitempty"`  // course over ground
	SpeedKnots *float64 `json:"speed_knots,omitempty"` // speed over ground

	Heading *float64 `json:"heading,omitempty"` // true heading
	Roll    *float64 `json:"roll,omitempty"`
	Pitch   *float64 `json:"pitch,omitempty"`
	Heave   *float64 `json:"heave,omitempty"`
}

// HasPosition reports whether both latitude and longitude are present.
func (f Fix) HasPosition() bool {
	return f.Latitude != nil && f.Longitude != nil
}

// FormatDegMin renders decimal degrees as D°MM.mmmm'H, using N/S for latitude
// and E/W for longitude.
func FormatDegMin(v float64, latitude bool) string {
	hemi, width := nmea.North, 2
	switch {
	case latitude && v < 0:
		hemi = nmea.South
	case !latitude && v < 0:
		hemi, width = nmea.West, 3
	case !latitude:
		hemi, width = nmea.East, 3
	}
	// FormatGPS gives dddmm.mmmm with unpadded degrees.
	gps := nmea.FormatGPS(v)
	split := strings.IndexByte(gps, '.') - 2
	deg, _ := strconv.Atoi(gps[:split])
	return fmt.Sprintf("%0*d°%s'%s", width, deg, gps[split:], hemi)
}
