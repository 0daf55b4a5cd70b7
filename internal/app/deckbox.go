package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/ranging_survey/internal/config"
	"github.com/relabs-tech/ranging_survey/internal/obslog"
	"github.com/relabs-tech/ranging_survey/internal/ranging"
)

// RunDeckboxConsole opens the deckbox serial port, puts the deckbox in host mode,
// sets the upper range gate if configured, and then sends every line read from in
// as a command. Framed replies are printed to out and appended to the raw ranging
// log in a replayable format. An empty input line re-sends host mode.
func RunDeckboxConsole(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	params, err := cfg.SerialParams()
	if err != nil {
		return fmt.Errorf("deckbox: %w", err)
	}
	port, err := serial.Open(ranging.SerialOpenOptions(params))
	if err != nil {
		return fmt.Errorf("deckbox: open %s: %w", params.Port, err)
	}
	defer port.Close()
	log.Printf("deckbox: connected on %s at %d baud", params.Port, params.Baud)

	_, rngPath := obslog.RawPaths(cfg.LogDir, cfg.LogPrefix, time.Now())
	raw, err := obslog.OpenRaw(rngPath)
	if err != nil {
		return err
	}
	defer raw.Close()
	log.Printf("deckbox: replies logged to %s", rngPath)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go readReplies(ctx, port, raw, out)

	startup := []string{""}
	if cfg.RangingUpperGate > 0 {
		startup = append(startup, ranging.UpperGateCommand(cfg.RangingUpperGate))
	}
	for _, cmd := range startup {
		if err := ranging.SendCommand(port, cmd); err != nil {
			return err
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := ranging.SendCommand(port, strings.TrimSpace(line)); err != nil {
				return err
			}
		}
	}
}

// readReplies prints framed replies until ctx ends or the port fails.
func readReplies(ctx context.Context, port io.ReadWriter, raw *obslog.RawLog, out io.Writer) {
	for ctx.Err() == nil {
		frame, err := ranging.ReadResponse(port)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("deckbox: read: %v", err)
			}
			return
		}
		text := strings.TrimSpace(string(frame.Raw))
		if text == "" {
			continue
		}
		fmt.Fprintf(out, "%s [%c]\n", text, frame.Status)
		if err := raw.WriteLine(ranging.FormatRawLine(time.Now(), text)); err != nil {
			log.Printf("deckbox: %v", err)
		}
		if frame.Status == ranging.StatusAbandoned {
			if err := ranging.CancelListen(port); err != nil {
				log.Printf("deckbox: %v", err)
			}
		}
	}
}
