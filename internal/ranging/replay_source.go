package ranging

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/relabs-tech/ranging_survey/internal/stream"
)

// RawTimeLayout is the timestamp written in front of every line of a raw deckbox log.
const RawTimeLayout = "2006-01-02T15-04-05.000000"

var (
	lineStamp  = regexp.MustCompile(`^\d{4}[:_-]\d{2}[:_-]\d{2}[Tt :_-](\d{2})[:_-](\d{2})[:_-](\d{2})\.(\d{0,6})`)
	replyStart = regexp.MustCompile(`[A-Z]{3}`)
)

// ReplaySource replays a recorded deckbox log. Each line must start with a
// timestamp; the date part is dropped so the replay lines up with navigation time.
type ReplaySource struct {
	path string
	rc   *stream.RunContext
	// Offset is added to every recorded time to correct a clock difference between
	// the ranging and navigation recordings.
	Offset time.Duration
}

// NewReplaySource returns a replay of the deckbox log at path scheduled on rc.
func NewReplaySource(path string, rc *stream.RunContext, offset time.Duration) *ReplaySource {
	return &ReplaySource{path: path, rc: rc, Offset: offset}
}

// Run implements stream.Source. The epoch is read from the RunContext when the first
// line is due, so a synchronizer can anchor it before starting the source.
func (s *ReplaySource) Run(ctx context.Context, out chan<- stream.Sentence) error {
	f, err := os.Open(s.path)
	if err != nil {
		err = fmt.Errorf("ranging replay: %w", err)
		stream.Send(ctx, out, stream.TimeoutMarker(err))
		return err
	}
	defer f.Close()
	log.Printf("ranging replay: replaying %s at %gx", s.path, s.rc.Speed)

	var (
		timeline  stream.Timeline
		epoch     time.Duration
		haveEpoch bool
	)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		tod, rest, ok := splitStamp(line)
		if !ok {
			continue
		}
		text := replyText(rest)
		if text == "" {
			continue
		}

		elapsed := timeline.Next(tod + s.Offset)
		if !haveEpoch {
			if e, ok := s.rc.Epoch(); ok {
				epoch = e
			} else {
				epoch = elapsed
				s.rc.SetEpoch(elapsed)
			}
			haveEpoch = true
		}
		if err := s.rc.WaitUntil(ctx, elapsed-epoch); err != nil {
			return err
		}

		sent := stream.Sentence{
			Kind:   stream.Data,
			Text:   text,
			Time:   stream.ReplayDate.Add(elapsed),
			Replay: true,
			Status: replyStatus(text),
		}
		if !stream.Send(ctx, out, sent) {
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("ranging replay: reading %s: %v", s.path, err)
	}

	stream.Send(ctx, out, stream.EOF())
	return nil
}

// splitStamp returns the time of day of the leading timestamp of line and the text
// after it.
func splitStamp(line string) (time.Duration, string, bool) {
	m := lineStamp.FindStringSubmatchIndex(line)
	if m == nil {
		return 0, "", false
	}
	part := func(i int) string { return line[m[2*i]:m[2*i+1]] }
	h, _ := strconv.Atoi(part(1))
	mi, _ := strconv.Atoi(part(2))
	sec, _ := strconv.Atoi(part(3))
	if h > 23 || mi > 59 || sec > 60 {
		return 0, "", false
	}
	tod := time.Duration(h)*time.Hour + time.Duration(mi)*time.Minute + time.Duration(sec)*time.Second
	if frac := part(4); frac != "" {
		micros, _ := strconv.Atoi((frac + "000000")[:6])
		tod += time.Duration(micros) * time.Microsecond
	}
	return tod, line[m[1]:], true
}

// replyText drops anything before the first three-capital token (quote marks or
// byte-string prefixes left by other loggers) and a trailing literal `\r\n'`.
func replyText(s string) string {
	loc := replyStart.FindStringIndex(s)
	if loc == nil {
		return ""
	}
	s = s[loc[0]:]
	s = strings.TrimSuffix(s, `\r\n'`)
	return strings.TrimSpace(s)
}

// replyStatus recovers the framing flag from a recorded reply.
func replyStatus(text string) byte {
	if strings.HasSuffix(text, string(abandonedListen)) {
		return StatusAbandoned
	}
	switch last := text[len(text)-1]; last {
	case StatusSuccess, StatusError, StatusPartial:
		return last
	}
	return 0
}

// FormatRawLine renders a reply the way the raw deckbox log stores it, with its
// whitespace collapsed to single spaces so that multi-line replies stay on one line.
func FormatRawLine(t time.Time, text string) string {
	return t.UTC().Format(RawTimeLayout) + " " + strings.Join(strings.Fields(text), " ")
}
