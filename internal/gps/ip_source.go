// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/relabs-tech/ranging_survey/internal/stream"
)

// IPSource receives a live navigation stream over UDP or TCP.
type IPSource struct {
	params IPParams

	// Reconnect backoff after a refused TCP connection.
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewIPSource returns a live source for p.
func NewIPSource(p IPParams) *IPSource {
	return &IPSource{
		params:     p,
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 5 * time.Second,
	}
}

// Run implements stream.Source.
func (s *IPSource) Run(ctx context.Context, out chan<- stream.Sentence) error {
	if s.params.Protocol == UDP {
		return s.runUDP(ctx, out)
	}
	return s.runTCP(ctx, out)
}

func (s *IPSource) runUDP(ctx context.Context, out chan<- stream.Sentence) error {
	addr := s.params.HostPort()
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		err = fmt.Errorf("nav udp: listen %s: %w", addr, err)
		stream.Send(ctx, out, stream.TimeoutMarker(err))
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log.Printf("nav udp: listening for stream on %s", addr)

	buf := make([]byte, s.params.Buffer)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = fmt.Errorf("nav udp: read: %w", err)
			stream.Send(ctx, out, stream.TimeoutMarker(err))
			return err
		}
		now := time.Now().UTC()
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !stream.Send(ctx, out, stream.Sentence{Kind: stream.Data, Text: line, Time: now}) {
				return ctx.Err()
			}
		}
	}
}

func (s *IPSource) runTCP(ctx context.Context, out chan<- stream.Sentence) error {
	addr := s.params.HostPort()
	dialer := net.Dialer{Timeout: s.params.ConnectTimeout}
	backoff := s.minBackoff
	refusedNotified := false

	for {
		conn, err := dialer.DialContext(ctx, "tcp4", addr)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !isRefused(err) {
				log.Printf("nav tcp: server %s is not available, exiting: %v", addr, err)
				err = fmt.Errorf("nav tcp: connect %s: %w", addr, err)
				stream.Send(ctx, out, stream.TimeoutMarker(err))
				return err
			}
			if !refusedNotified {
				log.Printf("nav tcp: server %s is not currently providing a connection, waiting...", addr)
				refusedNotified = true
			}
			if err := stream.Sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = min(backoff*2, s.maxBackoff)
			continue
		}

		refusedNotified = false
		backoff = s.minBackoff
		log.Printf("nav tcp: connected to %s", addr)

		err = readLines(ctx, conn, s.params.Buffer, out)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Printf("nav tcp: disconnected from %s: %v", addr, err)
		} else {
			log.Printf("nav tcp: disconnected from %s", addr)
		}
	}
}

// readLines forwards each line read from conn until the peer closes it.
func readLines(ctx context.Context, conn net.Conn, bufSize int, out chan<- stream.Sentence) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, bufSize), max(bufSize, bufio.MaxScanTokenSize))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !stream.Send(ctx, out, stream.Sentence{Kind: stream.Data, Text: line, Time: time.Now().UTC()}) {
			return ctx.Err()
		}
	}
	return scanner.Err()
}

// isRefused reports whether a dial failed because nothing is listening yet.
func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNRESET)
}
