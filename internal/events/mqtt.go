package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/airtrackhq/airtrack/internal/conf"
	"github.com/airtrackhq/airtrack/internal/errors"
	"github.com/airtrackhq/airtrack/internal/logging"
)

const mqttConnectTimeout = 10 * time.Second

// MQTTPublisher republishes detections and station errors to an external
// broker so downstream royalty systems can consume them without touching
// the database.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	bus    *Bus
	sub    *Subscriber
	logger *slog.Logger
	done   chan struct{}
}

// StartMQTTPublisher connects to the broker and begins forwarding. The
// returned publisher must be stopped before the bus closes.
func StartMQTTPublisher(cfg conf.MQTTSettings, bus *Bus) (*MQTTPublisher, error) {
	hostname, _ := os.Hostname()
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(fmt.Sprintf("airtrack-%s-%d", hostname, os.Getpid())).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, errors.Newf("timed out connecting to MQTT broker").
			Category(errors.CategoryMQTTConn).
			NetworkContext(cfg.Broker, mqttConnectTimeout).
			Build()
	}
	if err := token.Error(); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryMQTTConn).
			NetworkContext(cfg.Broker, mqttConnectTimeout).
			Build()
	}

	p := &MQTTPublisher{
		client: client,
		topic:  cfg.Topic,
		bus:    bus,
		sub:    bus.Subscribe(),
		logger: logging.ForService("mqtt"),
		done:   make(chan struct{}),
	}
	go p.loop()

	p.logger.Info("mqtt publisher connected", "broker", cfg.Broker, "topic", cfg.Topic)
	return p, nil
}

func (p *MQTTPublisher) loop() {
	defer close(p.done)
	for msg := range p.sub.Ch() {
		if msg.Type != TypeTrackDetection && msg.Type != TypeStationError {
			continue
		}

		payload, err := json.Marshal(msg)
		if err != nil {
			p.logger.Error("failed to marshal event", "type", msg.Type, "error", err)
			continue
		}

		token := p.client.Publish(p.topic+"/"+string(msg.Type), 0, false, payload)
		// QoS 0 tokens complete immediately; the wait only surfaces client
		// state errors.
		if token.WaitTimeout(time.Second) && token.Error() != nil {
			p.logger.Warn("mqtt publish failed", "type", msg.Type, "error", token.Error())
		}
	}
}

// Stop unsubscribes from the bus and disconnects from the broker.
func (p *MQTTPublisher) Stop() {
	p.bus.Unsubscribe(p.sub)
	<-p.done
	p.client.Disconnect(250)
}
