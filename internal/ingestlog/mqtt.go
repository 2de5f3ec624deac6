package ingestlog

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTPublisher publishes entries with QoS 1
type MQTTPublisher struct {
	client  mqtt.Client
	timeout time.Duration
}

// Compile-time interface check
var _ Publisher = (*MQTTPublisher)(nil)

// NewMQTTPublisher wraps a connected client
func NewMQTTPublisher(client mqtt.Client, timeout time.Duration) *MQTTPublisher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &MQTTPublisher{client: client, timeout: timeout}
}

// Publish waits for the broker acknowledgement up to the timeout
func (p *MQTTPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s timed out after %s", topic, p.timeout)
	}
	return token.Error()
}

// Close disconnects the client
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

// ConnectMQTT connects to broker. Reconnects are handled by the client.
func ConnectMQTT(broker, clientID string, timeout time.Duration, logger zerolog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetConnectTimeout(timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn().Err(err).Str("broker", broker).Msg("MQTT connection lost")
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			logger.Info().Str("broker", broker).Msg("MQTT connected")
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", broker, err)
	}
	return client, nil
}
