package obslog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/relabs-tech/ranging_survey/internal/trilateration"
)

// Columns a batch observation file must have.
var requiredColumns = []string{"latDec", "lonDec", "htAmsl", "range"}

// Row is one usable line of an observation log.
type Row struct {
	Line        int
	Record      []string
	Measurement trilateration.Measurement
}

// Rows is an observation log read back from disk.
type Rows struct {
	Header []string
	Rows   []Row
}

// ReadObservationsFile reads the observation log at path.
func ReadObservationsFile(path string) (Rows, error) {
	f, err := os.Open(path)
	if err != nil {
		return Rows{}, fmt.Errorf("obslog: %w", err)
	}
	defer f.Close()
	return ReadObservations(f)
}

// ReadObservations parses an observation log. Marker rows, rows without a range
// and rows with unreadable coordinates are skipped with a log line. A missing
// height reads as 0.
func ReadObservations(r io.Reader) (Rows, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return Rows{}, fmt.Errorf("obslog: read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return Rows{}, fmt.Errorf("obslog: missing column %q", name)
		}
	}
	flagCol, hasFlag := col["flag"]

	out := Rows{Header: header}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("obslog: line %d: %w", line, err)
		}
		if hasFlag && flagCol < len(rec) {
			if flag := rec[flagCol]; flag == "EOF" || flag == "TimeoutError" {
				continue
			}
		}
		var vals [4]float64
		ok := true
		for i, name := range requiredColumns {
			idx := col[name]
			if idx >= len(rec) {
				ok = false
				break
			}
			text := strings.TrimSpace(rec[idx])
			if text == "" && name == "htAmsl" {
				continue
			}
			v, err := strconv.ParseFloat(text, 64)
			if err != nil {
				ok = false
				break
			}
			vals[i] = v
		}
		if !ok {
			log.Printf("obslog: line %d skipped: incomplete observation", line)
			continue
		}
		out.Rows = append(out.Rows, Row{
			Line:   line,
			Record: rec,
			Measurement: trilateration.Measurement{
				Lat: vals[0], Lon: vals[1], Height: vals[2], Range: vals[3],
			},
		})
	}
	return out, nil
}

// Measurements returns the measurements of all rows.
func (r Rows) Measurements() []trilateration.Measurement {
	m := make([]trilateration.Measurement, len(r.Rows))
	for i, row := range r.Rows {
		m[i] = row.Measurement
	}
	return m
}
