package broadcast

import (
	"fmt"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"
)

type MQTTConfig struct {
	Broker   string `json:"broker"` // eg tcp://localhost:1883. Empty disables MQTT.
	ClientID string `json:"clientID"`
	Username string `json:"username"`
	Password string `json:"password"`
	Topic    string `json:"topic"` // Base topic. Messages go to <topic>/<message topic>
}

// MQTTSink publishes broadcast messages to an MQTT broker.
// The paho client reconnects by itself, so publish failures are logged and the
// message is dropped. The sink is Persistent, so a backlog while the broker is
// slow drops messages too, instead of removing the sink from the hub.
type MQTTSink struct {
	log      logs.Log
	client   mqtt.Client
	topic    string
	logError rate.Sometimes
}

func NewMQTTSink(log logs.Log, cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("No MQTT broker configured")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		log.Warnf("MQTT: connection to %v lost: %v", cfg.Broker, err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, fmt.Errorf("MQTT connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connection error: %w", err)
	}
	log.Infof("MQTT: connected to %v", cfg.Broker)

	return &MQTTSink{
		log:      log,
		client:   client,
		topic:    strings.TrimSuffix(cfg.Topic, "/"),
		logError: rate.Sometimes{Interval: 15 * time.Second},
	}, nil
}

// FullTopic returns the MQTT topic of a message
func (s *MQTTSink) FullTopic(msg Message) string {
	if msg.Topic == "" {
		return s.topic
	}
	if s.topic == "" {
		return msg.Topic
	}
	return s.topic + "/" + msg.Topic
}

func (s *MQTTSink) Write(msg Message) error {
	topic := s.FullTopic(msg)
	if !s.client.IsConnected() {
		s.logError.Do(func() {
			s.log.Warnf("MQTT: not connected, dropping message for %v", topic)
		})
		return nil
	}
	token := s.client.Publish(topic, 0, false, msg.Payload)
	if !token.WaitTimeout(10 * time.Second) {
		s.logError.Do(func() {
			s.log.Warnf("MQTT: publish timeout for %v", topic)
		})
		return nil
	}
	if err := token.Error(); err != nil {
		s.logError.Do(func() {
			s.log.Warnf("MQTT: publish to %v failed: %v", topic, err)
		})
	}
	return nil
}

func (s *MQTTSink) Persistent() bool {
	return true
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
