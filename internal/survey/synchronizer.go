// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package survey

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/relabs-tech/ranging_survey/internal/gps"
	"github.com/relabs-tech/ranging_survey/internal/metrics"
	"github.com/relabs-tech/ranging_survey/internal/ranging"
	"github.com/relabs-tech/ranging_survey/internal/stream"
)

// DefaultClockTolerance is the largest accepted difference between the computer
// clock and navigation time in a live run.
const DefaultClockTolerance = 15 * time.Second

const defaultBuffer = 256

// Config controls how range responses are decoded and checked.
type Config struct {
	Layout   ranging.Layout
	Acoustic ranging.Acoustic
	// ClockTolerance bounds |arrival time - fix time| for live ranges; 0 disables
	// the check.
	ClockTolerance time.Duration
	// Buffer is the capacity of each source channel.
	Buffer int
}

// DefaultConfig returns the EdgeTech defaults.
func DefaultConfig() Config {
	return Config{
		Layout:         ranging.DefaultLayout,
		Acoustic:       ranging.DefaultAcoustic,
		ClockTolerance: DefaultClockTolerance,
		Buffer:         defaultBuffer,
	}
}

// Synchronizer pairs every range response with the latest navigation fix.
type Synchronizer struct {
	nav stream.Source
	rng stream.Source
	rc  *stream.RunContext
	cfg Config

	agg    *gps.Aggregator
	active *gps.Fix

	// OnNavSentence and OnRangeSentence see every raw data sentence before it is
	// decoded; OnFix sees every completed fix. Any may be nil. They run on the
	// synchronizer goroutine.
	OnNavSentence   func(stream.Sentence)
	OnRangeSentence func(stream.Sentence)
	OnFix           func(gps.Fix)
}

// NewSynchronizer returns a synchronizer over the two sources. rc is the shared
// replay clock; when non-nil and without an epoch, the ranging replay is anchored
// to the first navigation fix.
func NewSynchronizer(nav, rng stream.Source, rc *stream.RunContext, cfg Config) (*Synchronizer, error) {
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	if cfg.Acoustic.SoundSpeed <= 0 {
		return nil, fmt.Errorf("sound speed %g must be positive", cfg.Acoustic.SoundSpeed)
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	return &Synchronizer{nav: nav, rng: rng, rc: rc, cfg: cfg, agg: gps.NewAggregator()}, nil
}

// Run starts both sources and writes observations to out until a terminal marker
// has been forwarded or ctx ends. The navigation source starts first; the ranging
// source starts once the first fix is complete. Sources are stopped on return.
func (s *Synchronizer) Run(ctx context.Context, out chan<- Observation) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	navCh := make(chan stream.Sentence, s.cfg.Buffer)
	rngCh := make(chan stream.Sentence, s.cfg.Buffer)

	go runSource(ctx, "navigation", s.nav, navCh)

	for s.active == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sn := <-navCh:
			if done, err := s.handleNav(ctx, sn, out); done {
				return err
			}
		}
	}
	if s.rc != nil && s.rc.SetEpoch(s.active.Time) {
		log.Printf("survey: ranging replay anchored to first fix at %s", s.active.UTCTime)
	}

	go runSource(ctx, "ranging", s.rng, rngCh)

	for {
		if done, err := s.drainNav(ctx, navCh, out); done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sn := <-navCh:
			if done, err := s.handleNav(ctx, sn, out); done {
				return err
			}
		case sn := <-rngCh:
			// Fixes already queued precede this response.
			if done, err := s.drainNav(ctx, navCh, out); done {
				return err
			}
			if done, err := s.handleRange(ctx, sn, out); done {
				return err
			}
		}
	}
}

func runSource(ctx context.Context, name string, src stream.Source, out chan<- stream.Sentence) {
	if err := src.Run(ctx, out); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("survey: %s source stopped: %v", name, err)
	}
}

// drainNav handles every navigation sentence that is already queued.
func (s *Synchronizer) drainNav(ctx context.Context, navCh <-chan stream.Sentence, out chan<- Observation) (bool, error) {
	for {
		select {
		case sn := <-navCh:
			if done, err := s.handleNav(ctx, sn, out); done {
				return true, err
			}
		default:
			return false, nil
		}
	}
}

func (s *Synchronizer) handleNav(ctx context.Context, sn stream.Sentence, out chan<- Observation) (bool, error) {
	if sn.Kind.Terminal() {
		return true, s.terminate(ctx, out, Observation{Kind: sn.Kind, Stream: metrics.Navigation, Err: sn.Err})
	}
	metrics.SentencesReceived.WithLabelValues(metrics.Navigation).Inc()
	if s.OnNavSentence != nil {
		s.OnNavSentence(sn)
	}
	if !gps.ValidChecksum(sn.Text) {
		log.Printf("survey: WARNING: invalid navigation checksum, sentence ignored: %q", sn.Text)
		metrics.SentencesDiscarded.WithLabelValues(metrics.Navigation, "checksum").Inc()
		return false, nil
	}
	fix, ok := s.agg.Push(sn.Text)
	if !ok {
		return false, nil
	}
	s.active = &fix
	metrics.FixesCompleted.Inc()
	if s.OnFix != nil {
		s.OnFix(fix)
	}
	return false, nil
}

func (s *Synchronizer) handleRange(ctx context.Context, sn stream.Sentence, out chan<- Observation) (bool, error) {
	if sn.Kind.Terminal() {
		return true, s.terminate(ctx, out, Observation{Kind: sn.Kind, Stream: metrics.Ranging, Err: sn.Err})
	}
	metrics.SentencesReceived.WithLabelValues(metrics.Ranging).Inc()
	if s.OnRangeSentence != nil {
		s.OnRangeSentence(sn)
	}

	resp, err := ranging.ParseRange(sn.Text, s.cfg.Layout, s.cfg.Acoustic)
	if errors.Is(err, ranging.ErrNotRange) {
		metrics.SentencesDiscarded.WithLabelValues(metrics.Ranging, "not_range").Inc()
		return false, nil
	}
	if err != nil {
		log.Printf("survey: WARNING: range response skipped: %v", err)
		metrics.SentencesDiscarded.WithLabelValues(metrics.Ranging, "malformed").Inc()
		return false, nil
	}
	resp.Time = sn.Time
	resp.Replay = sn.Replay
	if sn.Status != 0 {
		resp.Status = string(sn.Status)
	}

	// A fix without a time cannot be compared with the computer clock.
	if !sn.Replay && s.cfg.ClockTolerance > 0 && s.active.UTCTime != "" {
		if skew := clockSkew(sn.Time, s.active.Time); skew > s.cfg.ClockTolerance || skew < -s.cfg.ClockTolerance {
			err := fmt.Errorf("%w: navigation time %s, computer time %s (set the computer clock within %v and restart)",
				ErrClockSkew, s.active.UTCTime, sn.Time.UTC().Format("15:04:05.000"), s.cfg.ClockTolerance)
			log.Printf("survey: %v", err)
			return true, s.terminate(ctx, out, Observation{Kind: stream.Timeout, Stream: metrics.Ranging, Err: err})
		}
	}

	fix := *s.active
	obs := Observation{Kind: stream.Data, Fix: &fix, Range: &resp}
	metrics.Observations.Inc()
	metrics.SlantRange.Observe(resp.Range)
	if !emit(ctx, out, obs) {
		return true, ctx.Err()
	}
	return false, nil
}

// terminate forwards a terminal observation and reports why the run ended.
func (s *Synchronizer) terminate(ctx context.Context, out chan<- Observation, obs Observation) error {
	if obs.Err != nil {
		log.Printf("survey: %s stream ended (%s): %v", obs.Stream, obs.Kind, obs.Err)
	} else {
		log.Printf("survey: %s stream ended (%s)", obs.Stream, obs.Kind)
	}
	if !emit(ctx, out, obs) {
		return ctx.Err()
	}
	return nil
}

func emit(ctx context.Context, out chan<- Observation, obs Observation) bool {
	select {
	case out <- obs:
		return true
	case <-ctx.Done():
		return false
	}
}

// clockSkew returns arrival minus the fix time of day placed on the arrival's UTC
// date, folded into (-12h, 12h] to cope with midnight.
func clockSkew(arrival time.Time, fixTime time.Duration) time.Duration {
	a := arrival.UTC()
	day := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	d := a.Sub(day.Add(fixTime))
	for d > 12*time.Hour {
		d -= 24 * time.Hour
	}
	for d <= -12*time.Hour {
		d += 24 * time.Hour
	}
	return d
}
