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
	flag.Parse()

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Println("starting deckbox console (type commands, Ctrl+C to quit)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunDeckboxConsole(ctx, config.Get(), os.Stdin, os.Stdout); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
