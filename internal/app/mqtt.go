package app

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// publisher sends JSON payloads to an MQTT broker. A nil publisher drops them.
type publisher struct {
	client mqtt.Client
}

// connectMQTT connects to broker. An empty broker disables publishing.
func connectMQTT(broker, clientID string) (*publisher, error) {
	if broker == "" {
		log.Println("mqtt: no broker configured, publishing disabled")
		return nil, nil
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", broker, token.Error())
	}
	log.Printf("mqtt: connected to broker at %s", broker)
	return &publisher{client: client}, nil
}

// publish marshals v and publishes it retained on topic.
func (p *publisher) publish(topic string, v any) {
	if p == nil || topic == "" {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("mqtt: marshal for %s: %v", topic, err)
		return
	}
	token := p.client.Publish(topic, 0, true, payload)
	token.Wait()
	if token.Error() != nil {
		log.Printf("mqtt: publish to %s: %v", topic, token.Error())
	}
}

func (p *publisher) close() {
	if p == nil {
		return
	}
	p.client.Disconnect(250)
}
