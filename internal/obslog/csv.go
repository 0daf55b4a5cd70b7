// Package obslog writes observations, results and raw streams to disk and reads
// observation logs back for batch solving.
package obslog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/relabs-tech/ranging_survey/internal/gps"
	"github.com/relabs-tech/ranging_survey/internal/survey"
	"github.com/relabs-tech/ranging_survey/internal/trilateration"
)

// ObservationHeader names the observation log columns.
var ObservationHeader = []string{
	"flag", "utcTime", "rangeTime", "range",
	"lat", "latDec", "lon", "lonDec",
	"qlty", "noSats", "hdop", "htAmsl", "htAmslUnit", "geoidSep", "geoidSepUnit",
	"cog", "sogKt", "heading", "roll", "pitch", "heave",
	"turnTime", "sndSpd", "tx", "rx",
	"outlier", "residual",
}

// ResultHeader names the result log columns.
var ResultHeader = []string{
	"lon", "lat", "ht", "X", "Y", "Z", "stdErr",
	"aprLon", "aprLat", "aprHt", "driftDist", "driftBrg",
}

// Writer appends CSV records to a file, flushing after every record so that a
// crashed run keeps everything written so far.
type Writer struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

// Create opens path for appending, creating parent directories, and writes header
// when the file is new.
func Create(path string, header []string) (*Writer, error) {
	return open(path, header, os.O_APPEND)
}

// Rewrite truncates path and writes header.
func Rewrite(path string, header []string) (*Writer, error) {
	return open(path, header, os.O_TRUNC)
}

func open(path string, header []string, mode int) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("obslog: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|mode, 0o644)
	if err != nil {
		return nil, fmt.Errorf("obslog: %w", err)
	}
	w := &Writer{f: f, w: csv.NewWriter(f)}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("obslog: %w", err)
	}
	if info.Size() == 0 {
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, err
		}
	}
	return w, nil
}

// Write appends one record.
func (w *Writer) Write(record []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Write(record); err != nil {
		return fmt.Errorf("obslog: write %s: %w", w.f.Name(), err)
	}
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		return fmt.Errorf("obslog: write %s: %w", w.f.Name(), err)
	}
	return nil
}

// Close closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.w.Flush()
	return w.f.Close()
}

// Fit is the solver verdict on one observation.
type Fit struct {
	Residual float64
	Outlier  bool
}

// ObservationRecord renders o in ObservationHeader order. fit may be nil when the
// observation has not been solved yet.
func ObservationRecord(o survey.Observation, fit *Fit) []string {
	rec := make([]string, len(ObservationHeader))
	rec[0] = o.Flag()
	if f := o.Fix; f != nil {
		rec[1] = f.UTCTime
		if f.Latitude != nil {
			rec[4] = gps.FormatDegMin(*f.Latitude, true)
			rec[5] = ftoa(f.Latitude, 8)
		}
		if f.Longitude != nil {
			rec[6] = gps.FormatDegMin(*f.Longitude, false)
			rec[7] = ftoa(f.Longitude, 8)
		}
		if f.Quality != nil {
			rec[8] = f.Quality.String()
		}
		if f.Satellites != nil {
			rec[9] = strconv.Itoa(*f.Satellites)
		}
		rec[10] = ftoa(f.HDOP, 2)
		rec[11] = ftoa(f.HeightMSL, 3)
		rec[12] = f.HeightUnit
		rec[13] = ftoa(f.GeoidSep, 3)
		rec[14] = f.GeoidSepUnit
		rec[15] = ftoa(f.CourseDeg, 2)
		rec[16] = ftoa(f.SpeedKnots, 2)
		rec[17] = ftoa(f.Heading, 2)
		rec[18] = ftoa(f.Roll, 2)
		rec[19] = ftoa(f.Pitch, 2)
		rec[20] = ftoa(f.Heave, 2)
	}
	if r := o.Range; r != nil {
		rec[2] = strconv.FormatFloat(r.TravelTime, 'f', 4, 64)
		rec[3] = strconv.FormatFloat(r.Range, 'f', 3, 64)
		rec[21] = strconv.FormatFloat(r.TurnTimeMs, 'f', -1, 64)
		rec[22] = strconv.FormatFloat(r.SoundSpeed, 'f', -1, 64)
		rec[23] = strconv.FormatFloat(r.Tx, 'f', -1, 64)
		rec[24] = strconv.FormatFloat(r.Rx, 'f', -1, 64)
	}
	if fit != nil {
		rec[25] = strconv.FormatBool(fit.Outlier)
		rec[26] = strconv.FormatFloat(fit.Residual, 'f', 3, 64)
	}
	return rec
}

// ResultRecord renders r in ResultHeader order.
func ResultRecord(r trilateration.Result) []string {
	f := func(v float64, prec int) string { return strconv.FormatFloat(v, 'f', prec, 64) }
	return []string{
		f(r.Position.Lon, 8), f(r.Position.Lat, 8), f(r.Position.Height, 3),
		f(r.ECEF.X, 3), f(r.ECEF.Y, 3), f(r.ECEF.Z, 3),
		f(r.StdErr, 3),
		f(r.Apriori.Lon, 8), f(r.Apriori.Lat, 8), f(r.Apriori.Height, 3),
		f(r.DriftDistance, 2), f(r.DriftBearing, 1),
	}
}

func ftoa(v *float64, prec int) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', prec, 64)
}
