// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package ranging

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/ranging_survey/internal/stream"
)

// SerialSource reads framed replies from a deckbox on a serial port. A port that
// cannot be opened or fails mid-stream is reopened with backoff, so the source only
// ends when its context is cancelled.
type SerialSource struct {
	params SerialParams
	// InitCommands are written after every open, e.g. "" for host mode followed by
	// an upper gate command.
	InitCommands []string

	open func(serial.OpenOptions) (io.ReadWriteCloser, error)
	// Reopen backoff after an open or read failure.
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewSerialSource returns a live deckbox source.
func NewSerialSource(p SerialParams, initCommands ...string) *SerialSource {
	return &SerialSource{
		params:       p,
		InitCommands: initCommands,
		open:         serial.Open,
		minBackoff:   250 * time.Millisecond,
		maxBackoff:   5 * time.Second,
	}
}

// Run implements stream.Source.
func (s *SerialSource) Run(ctx context.Context, out chan<- stream.Sentence) error {
	backoff := s.minBackoff
	failing := false

	for {
		port, err := s.open(SerialOpenOptions(s.params))
		if err == nil {
			var delivered bool
			delivered, err = s.session(ctx, port, out)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if delivered {
				backoff, failing = s.minBackoff, false
			}
			err = fmt.Errorf("read: %w", err)
		} else {
			err = fmt.Errorf("open %s: %w", s.params.Port, err)
		}

		if !failing {
			log.Printf("deckbox: %v, reopening", err)
			failing = true
		}
		if err := stream.Sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

// session runs one open port until it fails or ctx ends. delivered reports whether
// any reply got through.
func (s *SerialSource) session(ctx context.Context, port io.ReadWriteCloser, out chan<- stream.Sentence) (delivered bool, err error) {
	stop := context.AfterFunc(ctx, func() { port.Close() })
	defer func() {
		if stop() {
			port.Close()
		}
	}()
	log.Printf("deckbox: connected on %s at %d baud", s.params.Port, s.params.Baud)

	for _, cmd := range s.InitCommands {
		if err := SendCommand(port, cmd); err != nil {
			log.Printf("deckbox: %v", err)
		}
	}

	return s.pump(ctx, port, out)
}

// pump frames replies from rw until ctx ends or the port fails.
func (s *SerialSource) pump(ctx context.Context, rw io.ReadWriter, out chan<- stream.Sentence) (delivered bool, err error) {
	for {
		frame, err := ReadResponse(rw)
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if err != nil {
			return delivered, err
		}

		text := strings.TrimSpace(string(frame.Raw))
		if text == "" {
			continue
		}
		if frame.Status == StatusAbandoned {
			if err := CancelListen(rw); err != nil {
				log.Printf("deckbox: %v", err)
			}
		}
		reply := stream.Sentence{Kind: stream.Data, Text: text, Time: time.Now().UTC(), Status: frame.Status}
		if !stream.Send(ctx, out, reply) {
			return delivered, ctx.Err()
		}
		delivered = true
	}
}
