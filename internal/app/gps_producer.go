package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/relabs-tech/ranging_survey/internal/config"
	"github.com/relabs-tech/ranging_survey/internal/gps"
	"github.com/relabs-tech/ranging_survey/internal/metrics"
	"github.com/relabs-tech/ranging_survey/internal/obslog"
	"github.com/relabs-tech/ranging_survey/internal/stream"
)

// RunNavProducer listens to the live navigation stream, records every sentence
// with a valid checksum to a replayable text file and publishes each completed fix
// as JSON to the TOPIC_NAV_FIX MQTT topic.
func RunNavProducer(ctx context.Context, cfg *config.Config) error {
	metrics.Register()

	params, err := cfg.NavParams()
	if err != nil {
		return fmt.Errorf("navigation: %w", err)
	}

	navPath, _ := obslog.RawPaths(cfg.LogDir, cfg.LogPrefix, time.Now())
	raw, err := obslog.OpenRaw(navPath)
	if err != nil {
		return err
	}
	defer raw.Close()
	log.Printf("nav producer: recording to %s", navPath)

	pub, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientID+"-nav")
	if err != nil {
		return err
	}
	defer pub.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sentences := make(chan stream.Sentence, 256)
	go func() {
		if err := gps.NewIPSource(params).Run(ctx, sentences); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("nav producer: source stopped: %v", err)
		}
	}()

	agg := gps.NewAggregator()
	for {
		var s stream.Sentence
		select {
		case <-ctx.Done():
			return nil
		case s = <-sentences:
		}

		if s.Kind.Terminal() {
			return fmt.Errorf("nav producer: stream ended (%s): %w", s.Kind, s.Err)
		}
		metrics.SentencesReceived.WithLabelValues(metrics.Navigation).Inc()
		if !gps.ValidChecksum(s.Text) {
			log.Printf("nav producer: WARNING: invalid checksum, sentence ignored: %q", s.Text)
			metrics.SentencesDiscarded.WithLabelValues(metrics.Navigation, "checksum").Inc()
			continue
		}
		if err := raw.WriteLine(s.Text); err != nil {
			log.Printf("nav producer: %v", err)
		}

		fix, ok := agg.Push(s.Text)
		if !ok {
			continue
		}
		metrics.FixesCompleted.Inc()
		pub.publish(cfg.TopicNavFix, fix)
		if fix.HasPosition() {
			log.Printf("published nav fix: %s %.6f %.6f", fix.UTCTime, *fix.Latitude, *fix.Longitude)
		}
	}
}
