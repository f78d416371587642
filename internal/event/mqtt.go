package event

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
)

// MQTTNotifier publishes agent events to a broker for fleet-side consumers.
// Delivery is fire and forget.
type MQTTNotifier struct {
	client mqtt.Client
	topic  string
	log    *slog.Logger
}

// NewMQTTNotifier connects to the broker and returns a notifier publishing
// JSON events to <baseTopic>/events.
func NewMQTTNotifier(host string, port int, username, password, clientID, baseTopic string, log *slog.Logger) (*MQTTNotifier, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", host, port)).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s:%d timed out", host, port)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	topic := baseTopic + "/events"
	log.Info("mqtt notifier connected", "host", host, "port", port, "topic", topic)
	return &MQTTNotifier{client: client, topic: topic, log: log}, nil
}

// Notify publishes the event. Failures are logged, never surfaced.
func (n *MQTTNotifier) Notify(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		n.log.Error("encode event", "error", err)
		return
	}
	tok := n.client.Publish(n.topic, 0, false, payload)
	go func() {
		if tok.WaitTimeout(mqttPublishTimeout) && tok.Error() != nil {
			n.log.Warn("mqtt publish failed", "event", ev.Event, "error", tok.Error())
		}
	}()
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() {
	n.client.Disconnect(250)
}
