// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package stream

import (
	"context"
	"sync"
	"time"
)

// ReplayDate is the calendar origin of replayed timestamps. Navigation sentences carry
// no date, so both replay streams are placed on day 0 of this calendar.
var ReplayDate = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// RunContext is the clock shared by the replay sources of one run.
//
// Start is the wall-clock instant that maps to the replay epoch; Speed scales the
// recorded timeline (10 replays ten times faster). The epoch is the offset from
// ReplayDate that both files are measured against. It is set at most once.
type RunContext struct {
	Start time.Time
	Speed float64

	mu       sync.Mutex
	epoch    time.Duration
	hasEpoch bool
}

// NewRunContext returns a RunContext starting at start. A non-positive speed means 1.
func NewRunContext(start time.Time, speed float64) *RunContext {
	if speed <= 0 {
		speed = 1
	}
	return &RunContext{Start: start, Speed: speed}
}

// SetEpoch fixes the replay epoch. It returns false if an epoch was already set.
func (rc *RunContext) SetEpoch(epoch time.Duration) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.hasEpoch {
		return false
	}
	rc.epoch = epoch
	rc.hasEpoch = true
	return true
}

// Epoch returns the replay epoch and whether one has been set.
func (rc *RunContext) Epoch() (time.Duration, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.epoch, rc.hasEpoch
}

// WaitUntil blocks until offset of recorded time has been replayed, i.e. until
// (now - Start) * Speed >= offset.
func (rc *RunContext) WaitUntil(ctx context.Context, offset time.Duration) error {
	due := rc.Start.Add(time.Duration(float64(offset) / rc.Speed))
	wait := time.Until(due)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Timeline turns a sequence of times of day into a monotonic offset from ReplayDate,
// adding a day whenever the hour goes backwards (midnight rollover).
type Timeline struct {
	day      time.Duration
	prevHour int
	started  bool
}

// Next returns the offset of tod, a time of day, on the timeline.
func (tl *Timeline) Next(tod time.Duration) time.Duration {
	hour := int(tod / time.Hour)
	if tl.started && hour < tl.prevHour {
		tl.day += 24 * time.Hour
	}
	tl.started = true
	tl.prevHour = hour
	return tl.day + tod
}
