package main

import (
	"flag"
	"log"

	"github.com/relabs-tech/ranging_survey/internal/app"
	"github.com/relabs-tech/ranging_survey/internal/config"
)

func main() {
	configPath := flag.String("config", "./survey_config.txt", "path to configuration file")
	obsFile := flag.String("obs", "", "observation CSV to solve")
	flag.Parse()

	if *obsFile == "" {
		log.Fatalf("-obs is required")
	}
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Printf("trilaterating from %s", *obsFile)
	if _, err := app.RunBatch(config.Get(), *obsFile); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
