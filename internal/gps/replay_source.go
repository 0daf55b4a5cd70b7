package gps

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/relabs-tech/ranging_survey/internal/stream"
)

var timeField = regexp.MustCompile(`^\d{6}\.\d{0,4}`)

// ReplaySource replays a recorded navigation text file, reproducing the original
// spacing of sentences from the time field inside each sentence.
type ReplaySource struct {
	path string
	rc   *stream.RunContext
}

// NewReplaySource returns a replay of the file at path scheduled on rc. When rc has no
// epoch the first timestamp in the file is used.
func NewReplaySource(path string, rc *stream.RunContext) *ReplaySource {
	return &ReplaySource{path: path, rc: rc}
}

// Run implements stream.Source.
func (s *ReplaySource) Run(ctx context.Context, out chan<- stream.Sentence) error {
	f, err := os.Open(s.path)
	if err != nil {
		err = fmt.Errorf("nav replay: %w", err)
		stream.Send(ctx, out, stream.TimeoutMarker(err))
		return err
	}
	defer f.Close()
	log.Printf("nav replay: replaying %s at %gx", s.path, s.rc.Speed)

	var (
		timeline  stream.Timeline
		epoch     time.Duration
		haveEpoch bool
		recorded  = stream.ReplayDate
	)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.LastIndexByte(line, '$'); i > 0 {
			line = line[i:]
		}
		if line == "" {
			continue
		}

		if fields := strings.SplitN(line, ",", 3); len(fields) > 1 && timeField.MatchString(fields[1]) {
			if tod, err := ParseTimeOfDay(fields[1]); err == nil {
				elapsed := timeline.Next(tod)
				if !haveEpoch {
					if e, ok := s.rc.Epoch(); ok {
						epoch = e
					} else {
						epoch = elapsed
					}
					haveEpoch = true
				}
				if err := s.rc.WaitUntil(ctx, elapsed-epoch); err != nil {
					return err
				}
				recorded = stream.ReplayDate.Add(elapsed)
			}
		}

		if !stream.Send(ctx, out, stream.Sentence{Kind: stream.Data, Text: line, Time: recorded, Replay: true}) {
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("nav replay: reading %s: %v", s.path, err)
	}

	stream.Send(ctx, out, stream.EOF())
	return nil
}
