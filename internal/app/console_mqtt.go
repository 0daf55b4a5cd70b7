package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/ranging_survey/internal/config"
	"github.com/relabs-tech/ranging_survey/internal/gps"
	"github.com/relabs-tech/ranging_survey/internal/survey"
	"github.com/relabs-tech/ranging_survey/internal/trilateration"
)

// RunConsoleMQTT prints the observations, results and navigation fixes published
// by a running survey until ctx is cancelled.
func RunConsoleMQTT(ctx context.Context, cfg *config.Config) error {
	if cfg.MQTTBroker == "" {
		return fmt.Errorf("console: MQTT_BROKER is required")
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientID + "-console")

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Printf("console: connected to MQTT broker at %s", cfg.MQTTBroker)

	subscriptions := map[string]mqtt.MessageHandler{
		cfg.TopicObservation: func(_ mqtt.Client, msg mqtt.Message) {
			var o survey.Observation
			if err := json.Unmarshal(msg.Payload(), &o); err != nil {
				log.Printf("console: observation unmarshal error: %v", err)
				return
			}
			fmt.Println(formatObservation(o))
		},
		cfg.TopicResult: func(_ mqtt.Client, msg mqtt.Message) {
			var r trilateration.Result
			if err := json.Unmarshal(msg.Payload(), &r); err != nil {
				log.Printf("console: result unmarshal error: %v", err)
				return
			}
			fmt.Println(formatResult(r))
		},
		cfg.TopicNavFix: func(_ mqtt.Client, msg mqtt.Message) {
			var f gps.Fix
			if err := json.Unmarshal(msg.Payload(), &f); err != nil {
				log.Printf("console: nav fix unmarshal error: %v", err)
				return
			}
			fmt.Println(formatFix(f))
		},
	}
	for topic, handler := range subscriptions {
		if topic == "" {
			continue
		}
		token := client.Subscribe(topic, 0, handler)
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Printf("console: subscribed to %s", topic)
	}

	<-ctx.Done()

	log.Println("console: shutting down")
	client.Disconnect(250)
	return nil
}

func formatObservation(o survey.Observation) string {
	if o.Range == nil {
		return fmt.Sprintf("[OBS ] %s", o.Kind)
	}
	s := fmt.Sprintf("[OBS ] range=%9.2fm time=%7.4fs tx=%g rx=%g", o.Range.Range, o.Range.TravelTime, o.Range.Tx, o.Range.Rx)
	if o.Fix != nil {
		s += "  " + fixFields(*o.Fix)
	}
	return s
}

func formatResult(r trilateration.Result) string {
	return fmt.Sprintf("[SOLN] lat=%.7f lon=%.7f ht=%.2fm stdErr=%.3fm sigmaENU=%.2f/%.2f/%.2fm drift=%.1fm@%05.1f° used=%d",
		r.Position.Lat, r.Position.Lon, r.Position.Height, r.StdErr,
		r.SigmaEast, r.SigmaNorth, r.SigmaUp, r.DriftDistance, r.DriftBearing, r.Used)
}

func formatFix(f gps.Fix) string {
	return "[NAV ] " + fixFields(f)
}

func fixFields(f gps.Fix) string {
	s := "time=" + f.UTCTime
	if f.HasPosition() {
		s += fmt.Sprintf(" lat=%.6f lon=%.6f", *f.Latitude, *f.Longitude)
	}
	if f.Quality != nil {
		s += " qlty=" + f.Quality.String()
	}
	if f.SpeedKnots != nil && f.CourseDeg != nil {
		s += fmt.Sprintf(" sog=%.1fkn cog=%.1f°", *f.SpeedKnots, *f.CourseDeg)
	}
	if f.Heading != nil {
		s += fmt.Sprintf(" hdg=%.1f°", *f.Heading)
	}
	return s
}
