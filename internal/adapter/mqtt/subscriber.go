// Package mqtt ingests scale frames published by BLE gateways.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"nutrisync/internal/app"
)

// Ingester is the slice of the ingestion service the subscriber needs.
type Ingester interface {
	Ingest(ctx context.Context, userID string, req app.IngestRequest) (*app.IngestResult, error)
}

// Message is the gateway payload. The device MAC falls back to the topic
// segment when absent.
type Message struct {
	UserID    string `json:"usuario_id"`
	PacketHex string `json:"pacote_hex"`
	DeviceMAC string `json:"mac_balanca"`
}

// Options configures the broker connection.
type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Timeout     time.Duration
}

// Subscriber forwards gateway messages to the ingestion service.
type Subscriber struct {
	ingest Ingester
	logger *zap.Logger
	opts   Options
	client paho.Client
}

// NewSubscriber builds a subscriber; Start connects it.
func NewSubscriber(ingest Ingester, logger *zap.Logger, opts Options) *Subscriber {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Subscriber{ingest: ingest, logger: logger.Named("mqtt"), opts: opts}
}

// Topic is the wildcard subscription, one level per device.
func (s *Subscriber) Topic() string {
	return strings.TrimSuffix(s.opts.TopicPrefix, "/") + "/balanca/+/pesagem"
}

// Start connects to the broker and subscribes.
func (s *Subscriber) Start() error {
	co := paho.NewClientOptions()
	co.AddBroker(s.opts.Broker)
	co.SetClientID(s.opts.ClientID)
	if s.opts.Username != "" {
		co.SetUsername(s.opts.Username)
	}
	if s.opts.Password != "" {
		co.SetPassword(s.opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetCleanSession(true)
	co.SetOnConnectHandler(func(c paho.Client) {
		// Subscriptions are not kept by the broker across clean sessions.
		if err := s.subscribe(c); err != nil {
			s.logger.Error("resubscribe failed", zap.Error(err))
		}
	})

	s.client = paho.NewClient(co)
	if tok := s.client.Connect(); !tok.WaitTimeout(s.opts.Timeout) || tok.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", s.opts.Broker, tokenErr(tok))
	}
	s.logger.Info("subscribed", zap.String("topic", s.Topic()))
	return nil
}

func (s *Subscriber) subscribe(c paho.Client) error {
	tok := c.Subscribe(s.Topic(), 1, func(_ paho.Client, msg paho.Message) {
		if err := s.HandleMessage(context.Background(), msg.Topic(), msg.Payload()); err != nil {
			s.logger.Warn("weigh-in message rejected", zap.String("topic", msg.Topic()), zap.Error(err))
		}
	})
	if !tok.WaitTimeout(s.opts.Timeout) || tok.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", s.Topic(), tokenErr(tok))
	}
	return nil
}

// Stop disconnects, waiting briefly for in-flight work.
func (s *Subscriber) Stop() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}

// HandleMessage decodes one gateway message and ingests it.
func (s *Subscriber) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if m.UserID == "" {
		return errors.New("usuario_id is required")
	}
	if m.DeviceMAC == "" {
		m.DeviceMAC = deviceFromTopic(topic)
	}

	ctx = app.WithCorrelationID(ctx, uuid.NewString())
	res, err := s.ingest.Ingest(ctx, m.UserID, app.IngestRequest{PacketHex: m.PacketHex, DeviceMAC: m.DeviceMAC})
	if err != nil {
		return err
	}
	s.logger.Debug("weigh-in ingested",
		zap.String("userId", m.UserID),
		zap.String("weighInId", res.WeighIn.ID),
		zap.Bool("duplicate", res.Duplicate))
	return nil
}

// deviceFromTopic extracts the "+" level of <prefix>/balanca/+/pesagem.
func deviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "balanca" && parts[i+2] == "pesagem" {
			return parts[i+1]
		}
	}
	return ""
}

func tokenErr(tok paho.Token) error {
	if err := tok.Error(); err != nil {
		return err
	}
	return errors.New("timeout")
}
