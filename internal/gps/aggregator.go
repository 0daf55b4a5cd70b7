// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package gps

import (
	"strings"

	nmea "github.com/adrianmo/go-nmea"
)

// Sentence types the aggregator understands.
const (
	TypeGGA = "GGA" // position fix
	TypeRMC = "RMC" // recommended minimum data
	TypeVTG = "VTG" // track made good and ground speed
	TypeSHR = "SHR" // inertial attitude
	TypeHDT = "HDT" // true heading
)

// groupKeyLen is how much of the time field identifies a group (hhmmss.s).
const groupKeyLen = 8

// Aggregator groups navigation sentences sharing a timestamp into Fixes.
//
// GGA, RMC and SHR carry a time and open a new group when it changes; VTG and HDT
// join whichever group is accumulating. Sentences must already have passed
// ValidChecksum.
type Aggregator struct {
	parser  nmea.SentenceParser
	key     string
	started bool

	gga, rmc, vtg, shr, hdt *nmea.BaseSentence
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	// Known types are kept as base sentences and decoded field by field, so one
	// bad field leaves the rest of the fix intact.
	keep := func(s nmea.BaseSentence) (nmea.Sentence, error) { return s, nil }
	return &Aggregator{parser: nmea.SentenceParser{
		CustomParsers: map[string]nmea.ParserFunc{
			TypeGGA: keep,
			TypeRMC: keep,
			TypeVTG: keep,
			TypeHDT: keep,
			TypeSHR: keep,
			"A" + TypeSHR: keep, // $PASHR
		},
	}}
}

// Push adds one sentence. When the sentence starts a new time group and the previous
// group held a GGA or RMC, the finished Fix is returned with ok set. The sentence that
// closed the group always seeds the next one.
func (a *Aggregator) Push(sentence string) (fix Fix, ok bool) {
	parsed, err := a.parser.Parse(sentence)
	if err != nil {
		return Fix{}, false
	}
	base, isBase := parsed.(nmea.BaseSentence)
	if !isBase {
		return Fix{}, false
	}
	typ := sentenceType(base)

	switch typ {
	case TypeGGA, TypeRMC, TypeSHR:
		key := field(&base, 0)
		if len(key) > groupKeyLen {
			key = key[:groupKeyLen]
		}
		if !a.started {
			a.key, a.started = key, true
		} else if key != a.key {
			if a.gga != nil || a.rmc != nil {
				fix, ok = buildFix(a.gga, a.rmc, a.vtg, a.shr, a.hdt), true
			}
			a.reset()
			a.key = key
		}
	}

	switch typ {
	case TypeGGA:
		a.gga = &base
	case TypeRMC:
		a.rmc = &base
	case TypeVTG:
		a.vtg = &base
	case TypeSHR:
		a.shr = &base
	case TypeHDT:
		a.hdt = &base
	}
	return fix, ok
}

func (a *Aggregator) reset() {
	a.gga, a.rmc, a.vtg, a.shr, a.hdt = nil, nil, nil, nil, nil
}

// sentenceType drops the two character talker, so $INSHR and $PASHR are both SHR.
func sentenceType(s nmea.BaseSentence) string {
	prefix := s.Prefix()
	if len(prefix) < 3 {
		return ""
	}
	return prefix[2:]
}

// field returns data field i (0 is the field after the address), or "".
func field(s *nmea.BaseSentence, i int) string {
	if s == nil || i >= len(s.Fields) {
		return ""
	}
	return strings.TrimSpace(s.Fields[i])
}

func buildFix(gga, rmc, vtg, shr, hdt *nmea.BaseSentence) Fix {
	var f Fix

	// Time and position: GGA, falling back to RMC.
	src, latIdx := gga, 1
	if src == nil {
		src, latIdx = rmc, 2
	}
	if tod, err := ParseTimeOfDay(field(src, 0)); err == nil {
		f.Time = tod
		f.UTCTime = FormatTimeOfDay(tod)
	}
	lat := parseDegMin(field(src, latIdx), field(src, latIdx+1), 90)
	lon := parseDegMin(field(src, latIdx+2), field(src, latIdx+3), 180)
	if lat != nil && lon != nil {
		f.Latitude, f.Longitude = lat, lon
	}

	if gga != nil {
		if q := nullInt(gga, 5); q != nil && *q >= 0 && *q <= int(QualitySimulation) {
			quality := Quality(*q)
			f.Quality = &quality
		}
		f.Satellites = nullInt(gga, 6)
		f.HDOP = nullFloat(gga, 7)
		f.HeightMSL = nullFloat(gga, 8)
		f.HeightUnit = strings.ToUpper(field(gga, 9))
		f.GeoidSep = nullFloat(gga, 10)
		f.GeoidSepUnit = strings.ToUpper(field(gga, 11))
	}

	switch {
	case vtg != nil:
		f.CourseDeg = nullFloat(vtg, 0)
		f.SpeedKnots = nullFloat(vtg, 4)
	case rmc != nil:
		f.CourseDeg = nullFloat(rmc, 7)
		f.SpeedKnots = nullFloat(rmc, 6)
	}

	switch {
	case shr != nil:
		f.Heading = nullFloat(shr, 1)
		f.Roll = nullFloat(shr, 3)
		f.Pitch = nullFloat(shr, 4)
		f.Heave = nullFloat(shr, 5)
	case hdt != nil:
		f.Heading = nullFloat(hdt, 0)
	}

	return f
}

// parseDegMin converts an NMEA (d)ddmm.mmmm value plus hemisphere into signed decimal
// degrees. It returns nil when the value cannot be decoded or is out of range.
func parseDegMin(value, hemi string, limit float64) *float64 {
	if value == "" || strings.HasPrefix(value, "-") {
		return nil
	}
	v, err := nmea.ParseGPS(value + " " + strings.ToUpper(hemi))
	if err != nil || v < -limit || v > limit {
		return nil
	}
	return &v
}

func nullFloat(s *nmea.BaseSentence, i int) *float64 {
	if s == nil {
		return nil
	}
	v := nmea.NewParser(*s).NullFloat64(i, "field")
	if !v.Valid {
		return nil
	}
	return &v.Value
}

func nullInt(s *nmea.BaseSentence, i int) *int {
	if s == nil {
		return nil
	}
	v := nmea.NewParser(*s).NullInt64(i, "field")
	if !v.Valid {
		return nil
	}
	n := int(v.Value)
	return &n
}
