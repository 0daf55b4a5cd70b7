// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/ranging_survey/internal/app"
	"github.com/relabs-tech/ranging_survey/internal/config"
)

func main() {
	configPath := flag.String("config", "./survey_config.txt", "path to configuration file")
	navFile := flag.String("nav-file", "", "replay this navigation recording (overrides NAV_REPLAY_FILE)")
	rngFile := flag.String("rng-file", "", "replay this deckbox recording (overrides RANGING_REPLAY_FILE)")
	speed := flag.Float64("speed", 0, "replay speed factor (overrides REPLAY_SPEED)")
	flag.Parse()

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()
	if *navFile != "" || *rngFile != "" {
		if *navFile == "" || *rngFile == "" {
			log.Fatalf("-nav-file and -rng-file must be given together")
		}
		cfg.NavReplayFile, cfg.RangingReplayFile = *navFile, *rngFile
	}
	if *speed > 0 {
		cfg.ReplaySpeed = *speed
	}

	if cfg.Replay() {
		log.Printf("starting ranging survey (replay at %gx)", cfg.ReplaySpeed)
	} else {
		log.Println("starting ranging survey (live)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunSurvey(ctx, cfg); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
