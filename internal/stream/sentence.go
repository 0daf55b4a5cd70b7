// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package stream

import (
	"context"
	"fmt"
	"time"
)

// Kind tags what a Sentence carries.
type Kind int

const (
	// Data is an ordinary line from a source.
	Data Kind = iota
	// EndOfStream marks the end of a replay file.
	EndOfStream
	// Timeout marks a fatal connectivity failure (e.g. initial connect timeout).
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Data:
		return "data"
	case EndOfStream:
		return "EOF"
	case Timeout:
		return "TimeoutError"
	default:
		return "unknown"
	}
}

// MarshalText encodes k by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a name written by MarshalText.
func (k *Kind) UnmarshalText(b []byte) error {
	for _, c := range []Kind{Data, EndOfStream, Timeout} {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown sentence kind %q", b)
}

// Terminal reports whether k ends a stream.
func (k Kind) Terminal() bool {
	return k == EndOfStream || k == Timeout
}

// Sentence is one raw line produced by a source, or a terminal marker.
//
// Live sources stamp Time with the wall-clock arrival time. Replay sources stamp it
// with the time recorded in the file, on the ReplayDate calendar.
type Sentence struct {
	Kind   Kind
	Text   string
	Time   time.Time
	Replay bool

	// Status is the ranging framing flag ('*', '#', 'S', '.', 'T'); zero for navigation.
	Status byte

	// Err explains a Timeout marker.
	Err error
}

// EOF returns an end-of-stream marker.
func EOF() Sentence {
	return Sentence{Kind: EndOfStream}
}

// TimeoutMarker returns a fatal-connectivity marker wrapping err.
func TimeoutMarker(err error) Sentence {
	return Sentence{Kind: Timeout, Err: err}
}

// Source produces Sentences onto out until it ends or ctx is cancelled.
// A source that ends on its own sends a terminal marker before returning.
type Source interface {
	Run(ctx context.Context, out chan<- Sentence) error
}

// Send delivers s unless ctx is cancelled first.
func Send(ctx context.Context, out chan<- Sentence, s Sentence) bool {
	select {
	case out <- s:
		return true
	case <-ctx.Done():
		return false
	}
}

// Sleep waits for d or until ctx is cancelled, returning ctx.Err() in that case.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
