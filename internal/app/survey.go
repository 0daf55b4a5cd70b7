// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	humanize "github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/ranging_survey/internal/config"
	"github.com/relabs-tech/ranging_survey/internal/gps"
	"github.com/relabs-tech/ranging_survey/internal/metrics"
	"github.com/relabs-tech/ranging_survey/internal/obslog"
	"github.com/relabs-tech/ranging_survey/internal/ranging"
	"github.com/relabs-tech/ranging_survey/internal/stream"
	"github.com/relabs-tech/ranging_survey/internal/survey"
	"github.com/relabs-tech/ranging_survey/internal/trilateration"
)

// RunSurvey runs a ranging survey, live or replayed depending on cfg, re-solving
// the target position after every observation. It returns when either stream ends
// or ctx is cancelled; a fatal stream failure is returned as an error after the
// final solve has been written.
func RunSurvey(ctx context.Context, cfg *config.Config) error {
	metrics.Register()
	start := time.Now().UTC()

	solver, err := trilateration.NewSolver(cfg.Solver())
	if err != nil {
		return err
	}
	nav, rng, rc, err := buildSources(cfg, start)
	if err != nil {
		return err
	}
	syncer, err := survey.NewSynchronizer(nav, rng, rc, cfg.Sync())
	if err != nil {
		return err
	}

	logs, err := openSurveyLogs(cfg, start)
	if err != nil {
		return err
	}
	defer logs.close()
	if logs.rawNav != nil {
		syncer.OnNavSentence = func(s stream.Sentence) {
			if err := logs.rawNav.WriteLine(s.Text); err != nil {
				log.Printf("survey: %v", err)
			}
		}
		syncer.OnRangeSentence = func(s stream.Sentence) {
			if err := logs.rawRng.WriteLine(ranging.FormatRawLine(s.Time, s.Text)); err != nil {
				log.Printf("survey: %v", err)
			}
		}
	}

	pub, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientID)
	if err != nil {
		return err
	}
	defer pub.close()
	syncer.OnFix = func(f gps.Fix) { pub.publish(cfg.TopicNavFix, f) }

	h := newHub()
	run := &surveyRun{cfg: cfg, solver: solver, logs: logs, pub: pub, hub: h}

	g, gctx := errgroup.WithContext(ctx)
	webCtx, stopWeb := context.WithCancel(gctx)
	obsCh := make(chan survey.Observation, 64)

	g.Go(func() error {
		defer close(obsCh)
		err := syncer.Run(gctx, obsCh)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer stopWeb()
		for o := range obsCh {
			run.observe(o)
		}
		return run.finish()
	})
	g.Go(func() error {
		return serveWeb(webCtx, cfg.WebServerPort, h.handler())
	})
	return g.Wait()
}

// buildSources returns the replay or live sources described by cfg. rc is nil
// for a live run.
func buildSources(cfg *config.Config, start time.Time) (nav, rng stream.Source, rc *stream.RunContext, err error) {
	if cfg.Replay() {
		rc = stream.NewRunContext(start.Add(time.Second), cfg.ReplaySpeed)
		if epoch, ok := cfg.ReplayEpoch(); ok {
			rc.SetEpoch(epoch)
		}
		offset := time.Duration(cfg.RangingTimestampOffset * float64(time.Second))
		return gps.NewReplaySource(cfg.NavReplayFile, rc),
			ranging.NewReplaySource(cfg.RangingReplayFile, rc, offset),
			rc, nil
	}

	ip, err := cfg.NavParams()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("navigation: %w", err)
	}
	sp, err := cfg.SerialParams()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("deckbox: %w", err)
	}
	var init []string
	if cfg.RangingUpperGate > 0 {
		init = append(init, "", ranging.UpperGateCommand(cfg.RangingUpperGate))
	}
	return gps.NewIPSource(ip), ranging.NewSerialSource(sp, init...), nil, nil
}

type surveyLogs struct {
	obs    *obslog.Writer
	result *obslog.Writer
	solved string
	rawNav *obslog.RawLog
	rawRng *obslog.RawLog
}

func openSurveyLogs(cfg *config.Config, start time.Time) (*surveyLogs, error) {
	base := filepath.Join(cfg.LogDir, fmt.Sprintf("%s_%s", cfg.LogPrefix, start.Format("2006-01-02_15-04")))
	l := &surveyLogs{solved: base + "_obs_solved.csv"}
	var err error
	if l.obs, err = obslog.Create(base+"_obs.csv", obslog.ObservationHeader); err != nil {
		return nil, err
	}
	if l.result, err = obslog.Create(base+"_result.csv", obslog.ResultHeader); err != nil {
		l.close()
		return nil, err
	}
	if cfg.LogRaw {
		navPath, rngPath := obslog.RawPaths(cfg.LogDir, cfg.LogPrefix, start)
		if l.rawNav, err = obslog.OpenRaw(navPath); err != nil {
			l.close()
			return nil, err
		}
		if l.rawRng, err = obslog.OpenRaw(rngPath); err != nil {
			l.close()
			return nil, err
		}
		log.Printf("survey: raw streams logged to %s and %s", navPath, rngPath)
	}
	return l, nil
}

func (l *surveyLogs) close() {
	if l.obs != nil {
		l.obs.Close()
	}
	if l.result != nil {
		l.result.Close()
	}
	if l.rawNav != nil {
		l.rawNav.Close()
	}
	if l.rawRng != nil {
		l.rawRng.Close()
	}
}

// surveyRun accumulates observations and re-solves as they arrive.
type surveyRun struct {
	cfg    *config.Config
	solver *trilateration.Solver
	logs   *surveyLogs
	pub    *publisher
	hub    *hub

	observations []survey.Observation
	measurements []trilateration.Measurement
	measured     []int // index into observations of each measurement
	last         *trilateration.Result
	terminal     *survey.Observation
}

func (r *surveyRun) observe(o survey.Observation) {
	if err := r.logs.obs.Write(obslog.ObservationRecord(o, nil)); err != nil {
		log.Printf("survey: %v", err)
	}
	if o.Terminal() {
		r.terminal = &o
		return
	}
	r.observations = append(r.observations, o)
	r.pub.publish(r.cfg.TopicObservation, o)
	r.hub.addObservation(o)

	if !o.Usable() {
		log.Println("survey: range has no echo or no position, not used")
		return
	}
	r.measurements = append(r.measurements, measurementOf(o))
	r.measured = append(r.measured, len(r.observations)-1)

	res, err := r.solver.Solve(r.measurements, r.cfg.Apriori())
	if err != nil {
		if errors.Is(err, trilateration.ErrInsufficientObservations) {
			log.Printf("survey: %d range(s) so far, waiting for more", len(r.measurements))
		} else {
			log.Printf("survey: solve failed: %v", err)
		}
		return
	}
	r.report(res)
}

func (r *surveyRun) report(res trilateration.Result) {
	r.last = &res
	outliers := 0
	for _, o := range res.Outliers {
		if o {
			outliers++
		}
	}
	metrics.Outliers.Set(float64(outliers))
	metrics.StdErr.Set(res.StdErr)
	r.pub.publish(r.cfg.TopicResult, res)
	r.hub.setResult(res)
	log.Printf("survey: lat=%.7f lon=%.7f ht=%.1fm stdErr=%.2fm drift=%.1fm@%.0f° (%d used, %d outliers)",
		res.Position.Lat, res.Position.Lon, res.Position.Height, res.StdErr,
		res.DriftDistance, res.DriftBearing, res.Used, outliers)
}

// finish writes the final solution and the solved observation log.
func (r *surveyRun) finish() error {
	log.Printf("survey: run ended with %s observations, %s usable",
		humanize.Comma(int64(len(r.observations))), humanize.Comma(int64(len(r.measurements))))

	if r.last != nil {
		res := *r.last
		if err := r.logs.result.Write(obslog.ResultRecord(res)); err != nil {
			log.Printf("survey: %v", err)
		}
		if err := writeSolved(r.logs.solved, r.observations, r.measured, res); err != nil {
			log.Printf("survey: %v", err)
		}
		log.Printf("survey: final position %s, %s, %sm (std error %sm)",
			humanize.FormatFloat("#.#######", res.Position.Lat),
			humanize.FormatFloat("#.#######", res.Position.Lon),
			humanize.FormatFloat("#,###.##", res.Position.Height),
			humanize.FormatFloat("#.###", res.StdErr))
	} else {
		log.Println("survey: no position could be computed")
	}

	if r.terminal != nil && r.terminal.Kind == stream.Timeout {
		return fmt.Errorf("%s stream failed: %w", r.terminal.Stream, r.terminal.Err)
	}
	return nil
}

// writeSolved writes every observation with the verdict of res.
func writeSolved(path string, observations []survey.Observation, measured []int, res trilateration.Result) error {
	fits := make([]*obslog.Fit, len(observations))
	for m, i := range measured {
		if m < len(res.Residuals) {
			fits[i] = &obslog.Fit{Residual: res.Residuals[m], Outlier: res.Outliers[m]}
		}
	}
	w, err := obslog.Rewrite(path, obslog.ObservationHeader)
	if err != nil {
		return err
	}
	defer w.Close()
	for i, o := range observations {
		if err := w.Write(obslog.ObservationRecord(o, fits[i])); err != nil {
			return err
		}
	}
	log.Printf("survey: solved observations written to %s", path)
	return nil
}

func measurementOf(o survey.Observation) trilateration.Measurement {
	m := trilateration.Measurement{
		Lat:   *o.Fix.Latitude,
		Lon:   *o.Fix.Longitude,
		Range: o.Range.Range,
	}
	if o.Fix.HeightMSL != nil {
		m.Height = *o.Fix.HeightMSL
	}
	return m
}
