// Package integration delivers session events to the application layer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/config"
	"github.com/lorawan-server/lorawan-ns-core/internal/session"
)

const eventActivation = "activation"

// Forwarder publishes activation events over MQTT and, when a NATS
// connection is set, on application.<application_id>.device.<dev_eui>.activation.
type Forwarder struct {
	client  mqtt.Client
	nc      *nats.Conn
	qos     byte
	topic   string
	timeout time.Duration
}

// NewForwarder creates a forwarder. Either transport may be nil.
func NewForwarder(client mqtt.Client, nc *nats.Conn, cfg config.MQTTConfig) *Forwarder {
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Forwarder{
		client:  client,
		nc:      nc,
		qos:     cfg.QoS,
		topic:   cfg.EventTopic,
		timeout: timeout,
	}
}

// Connect connects an MQTT client for the integration broker.
func Connect(cfg config.MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect mqtt broker %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", cfg.Broker, err)
	}
	return client, nil
}

// Topic renders the event topic template for a device event.
func (f *Forwarder) Topic(ev session.ActivationEvent, event string) string {
	r := strings.NewReplacer(
		"{{application_id}}", ev.ApplicationID.String(),
		"{{dev_eui}}", ev.DevEUI.String(),
		"{{event}}", event,
	)
	return r.Replace(f.topic)
}

// PublishActivation implements session.ActivationPublisher.
func (f *Forwarder) PublishActivation(ctx context.Context, ev session.ActivationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal activation event: %w", err)
	}

	if f.client != nil {
		if err := f.publishMQTT(ctx, f.Topic(ev, eventActivation), data); err != nil {
			return err
		}
	}

	if f.nc != nil {
		subject := fmt.Sprintf("application.%s.device.%s.%s", ev.ApplicationID, ev.DevEUI, eventActivation)
		if err := f.nc.Publish(subject, data); err != nil {
			return fmt.Errorf("publish activation event: %w", err)
		}
	}

	log.Debug().
		Str("devEUI", ev.DevEUI.String()).
		Bool("wrapped", ev.AppSKey.IsWrapped()).
		Msg("activation event forwarded")
	return nil
}

func (f *Forwarder) publishMQTT(ctx context.Context, topic string, data []byte) error {
	token := f.client.Publish(topic, f.qos, false, data)

	select {
	case <-token.Done():
	case <-time.After(f.timeout):
		return fmt.Errorf("publish %s: timeout", topic)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects the MQTT client.
func (f *Forwarder) Close() {
	if f.client != nil && f.client.IsConnected() {
		f.client.Disconnect(250)
	}
}
