package integration

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/ezviz-cas/cas-bridge/internal/config"
)

// DefaultTopicPattern is used when the MQTT integration sets none
const DefaultTopicPattern = "ezviz/{serial}/defence"

const queueSize = 64

type message struct {
	subject string
	data    []byte
}

// mqttPublisher is the part of mqtt.Client the forwarder uses
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// ForwarderService forwards defence events to a webhook and an MQTT broker.
// Publish only queues; Start does the delivery.
type ForwarderService struct {
	httpConfig config.HTTPIntegrationConfig
	httpClient *http.Client

	mqttConfig config.MQTTIntegrationConfig
	mqttClient mqttPublisher
	disconnect func()

	queue chan message
	once  sync.Once
}

// NewForwarderService creates the forwarder and connects to the MQTT broker
// when that integration is enabled.
func NewForwarderService(cfg config.IntegrationConfig) (*ForwarderService, error) {
	s := &ForwarderService{
		httpConfig: cfg.HTTP,
		mqttConfig: cfg.MQTT,
		queue:      make(chan message, queueSize),
	}

	if cfg.HTTP.Enabled {
		timeout := cfg.HTTP.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		s.httpClient = &http.Client{Timeout: timeout}
	}

	if cfg.MQTT.Enabled {
		client, err := connectMQTT(cfg.MQTT)
		if err != nil {
			return nil, err
		}
		s.mqttClient = client
		s.disconnect = func() { client.Disconnect(250) }
	}

	return s, nil
}

// Enabled reports whether any integration is configured
func (s *ForwarderService) Enabled() bool {
	return s.httpClient != nil || s.mqttClient != nil
}

// Publish queues an event. It never blocks; when the queue is full the
// event is dropped.
func (s *ForwarderService) Publish(subject string, data []byte) error {
	select {
	case s.queue <- message{subject: subject, data: data}:
		return nil
	default:
		return fmt.Errorf("integration queue full, dropping %s", subject)
	}
}

// Start delivers queued events until ctx is done, then flushes what is
// already queued and disconnects.
func (s *ForwarderService) Start(ctx context.Context) error {
	log.Info().
		Bool("http", s.httpClient != nil).
		Bool("mqtt", s.mqttClient != nil).
		Msg("Integration forwarder service started")

	defer s.close()

	for {
		select {
		case msg := <-s.queue:
			s.forward(ctx, msg)
		case <-ctx.Done():
			for {
				select {
				case msg := <-s.queue:
					s.forward(context.Background(), msg)
				default:
					return nil
				}
			}
		}
	}
}

func (s *ForwarderService) forward(ctx context.Context, msg message) {
	if s.httpClient != nil {
		if err := s.forwardToHTTP(ctx, msg); err != nil {
			log.Error().Err(err).Str("endpoint", s.httpConfig.Endpoint).Msg("Failed to forward event to HTTP")
		}
	}
	if s.mqttClient != nil {
		if err := s.forwardToMQTT(msg); err != nil {
			log.Error().Err(err).Str("subject", msg.subject).Msg("Failed to forward event to MQTT")
		}
	}
}

// forwardToHTTP posts the event to the webhook
func (s *ForwarderService) forwardToHTTP(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.httpConfig.Endpoint, bytes.NewReader(msg.data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Subject", msg.subject)
	for k, v := range s.httpConfig.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}

	log.Debug().
		Str("subject", msg.subject).
		Str("endpoint", s.httpConfig.Endpoint).
		Msg("Event forwarded to HTTP")
	return nil
}

// forwardToMQTT publishes the event on the serial's topic
func (s *ForwarderService) forwardToMQTT(msg message) error {
	topic := topicFor(s.mqttConfig.TopicPattern, msg.subject)

	token := s.mqttClient.Publish(topic, s.mqttConfig.QoS, s.mqttConfig.Retain, msg.data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	log.Debug().Str("topic", topic).Msg("Event forwarded to MQTT")
	return nil
}

func (s *ForwarderService) close() {
	s.once.Do(func() {
		if s.disconnect != nil {
			s.disconnect()
		}
	})
}

// topicFor fills {serial} from a cas.device.<serial>.* subject
func topicFor(pattern, subject string) string {
	if pattern == "" {
		pattern = DefaultTopicPattern
	}

	serial := "unknown"
	if tokens := strings.Split(subject, "."); len(tokens) > 2 && tokens[0] == "cas" && tokens[1] == "device" {
		serial = tokens[2]
	}
	return strings.ReplaceAll(pattern, "{serial}", serial)
}

// connectMQTT creates and connects an MQTT client
func connectMQTT(cfg config.MQTTIntegrationConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "cas-bridge"
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("MQTT client connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.BrokerURL).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()

	// with ConnectRetry the token only completes once connected, so a
	// timeout leaves the client retrying in the background
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", cfg.BrokerURL, token.Error())
	}

	return client, nil
}
