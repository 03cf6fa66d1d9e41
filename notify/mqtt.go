package notify

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
)

// MQTTSettings configure the MQTT notification channel.
type MQTTSettings struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// MQTT publishes notifications as JSON messages to a broker topic.
type MQTT struct {
	client mqtt.Client
	topic  string
	qos    byte
	logger zerolog.Logger
}

// NewMQTT connects to the broker and returns the channel.
func NewMQTT(settings MQTTSettings, logger zerolog.Logger) (*MQTT, error) {
	if settings.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker address is required")
	}
	if settings.Topic == "" {
		return nil, fmt.Errorf("mqtt: topic is required")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(settings.Broker)
	if settings.ClientID != "" {
		opts.SetClientID(settings.ClientID)
	} else {
		opts.SetClientID("softplc")
	}
	if settings.Username != "" {
		opts.SetUsername(settings.Username)
		opts.SetPassword(settings.Password)
	}
	opts.AutoReconnect = true
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("mqtt: connection lost")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info().Msg("mqtt: reconnecting")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt: connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect failed: %w", err)
	}

	return &MQTT{client: client, topic: settings.Topic, qos: settings.QoS, logger: logger}, nil
}

func (m *MQTT) Send(subject, body string) {
	payload, err := json.Marshal(map[string]string{
		"subject": subject,
		"body":    body,
		"time":    time.Now().Format(time.RFC3339),
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("mqtt: encode notification")
		return
	}
	token := m.client.Publish(m.topic, m.qos, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		m.logger.Warn().Str("topic", m.topic).Msg("mqtt: publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		m.logger.Warn().Err(err).Str("topic", m.topic).Msg("mqtt: publish failed")
	}
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
