package app

import (
	"fmt"
	"log"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	humanize "github.com/dustin/go-humanize"

	"github.com/relabs-tech/ranging_survey/internal/config"
	"github.com/relabs-tech/ranging_survey/internal/obslog"
	"github.com/relabs-tech/ranging_survey/internal/trilateration"
)

// RunBatch solves the target position from a recorded observation log and writes
// the result and the solved observations next to it (or under cfg.LogDir when set).
func RunBatch(cfg *config.Config, obsPath string) (trilateration.Result, error) {
	solver, err := trilateration.NewSolver(cfg.Solver())
	if err != nil {
		return trilateration.Result{}, err
	}
	rows, err := obslog.ReadObservationsFile(obsPath)
	if err != nil {
		return trilateration.Result{}, err
	}
	log.Printf("batch: %s usable observations in %s", humanize.Comma(int64(len(rows.Rows))), obsPath)

	res, err := solver.Solve(rows.Measurements(), cfg.Apriori())
	if err != nil {
		return res, fmt.Errorf("batch: %w", err)
	}

	dir := cfg.LogDir
	if dir == "" {
		dir = filepath.Dir(obsPath)
	}
	base := filepath.Join(dir, strings.TrimSuffix(filepath.Base(obsPath), filepath.Ext(obsPath)))

	rw, err := obslog.Create(base+"_result.csv", obslog.ResultHeader)
	if err != nil {
		return res, err
	}
	defer rw.Close()
	if err := rw.Write(obslog.ResultRecord(res)); err != nil {
		return res, err
	}
	if err := writeSolvedRows(base+"_solved.csv", rows, res); err != nil {
		return res, err
	}

	log.Printf("batch: lat=%.7f lon=%.7f ht=%.2fm stdErr=%.3fm from %d of %d ranges",
		res.Position.Lat, res.Position.Lon, res.Position.Height, res.StdErr, res.Used, len(rows.Rows))
	return res, nil
}

// writeSolvedRows copies the usable rows with the outlier and residual columns
// filled in, adding them to the header when missing.
func writeSolvedRows(path string, rows obslog.Rows, res trilateration.Result) error {
	header := append([]string(nil), rows.Header...)
	outlierCol, residualCol := slices.Index(header, "outlier"), slices.Index(header, "residual")
	if outlierCol < 0 {
		header = append(header, "outlier")
		outlierCol = len(header) - 1
	}
	if residualCol < 0 {
		header = append(header, "residual")
		residualCol = len(header) - 1
	}

	w, err := obslog.Rewrite(path, header)
	if err != nil {
		return err
	}
	defer w.Close()
	for i, row := range rows.Rows {
		rec := make([]string, len(header))
		copy(rec, row.Record)
		rec[outlierCol] = strconv.FormatBool(res.Outliers[i])
		rec[residualCol] = strconv.FormatFloat(res.Residuals[i], 'f', 3, 64)
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	log.Printf("batch: solved observations written to %s", path)
	return nil
}
