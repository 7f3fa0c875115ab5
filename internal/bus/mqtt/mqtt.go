// Package mqtt subscribes the recorder to an MQTT broker using the Eclipse
// Paho client.
//
// MQTT topics are already '/'-separated and pass through unchanged. MQTT 3.1.1
// carries no message properties, so every message is tagged with one
// configured encoding.
package mqtt

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/bluerobotics/blueos-recorder/internal/bus"
	"github.com/bluerobotics/blueos-recorder/internal/logging"
)

const (
	defaultBroker   = "tcp://127.0.0.1:1883"
	defaultClientID = "blueos-recorder"
	defaultFilter   = "#"
	defaultEncoding = "application/json"
	connectTimeout  = 10 * time.Second
)

// Config holds MQTT subscriber configuration.
type Config struct {
	Broker   string
	ClientID string
	Filter   string
	QoS      byte
	Username string
	Password string //nolint:gosec // config field, not a hardcoded credential
	Encoding string
	Logger   *slog.Logger
}

// Subscriber consumes MQTT publications.
type Subscriber struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an MQTT subscriber.
func New(cfg Config) *Subscriber {
	return &Subscriber{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "bus", "type", "mqtt"),
	}
}

// NewFactory returns a bus.Factory for MQTT.
//
// Supported parameters:
//   - "broker": broker URL (default "tcp://127.0.0.1:1883")
//   - "client_id": MQTT client identifier (default "blueos-recorder")
//   - "filter": topic filter (default "#")
//   - "qos": subscription QoS 0, 1 or 2 (default 0)
//   - "username", "password"
//   - "encoding": encoding descriptor attached to every message (default "application/json")
func NewFactory() bus.Factory {
	return func(params map[string]string, logger *slog.Logger) (bus.Subscriber, error) {
		var qos byte
		if v, ok := params["qos"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 || n > 2 {
				return nil, fmt.Errorf("mqtt bus: invalid qos %q (must be 0, 1 or 2)", v)
			}
			qos = byte(n)
		}
		return New(Config{
			Broker:   cmp.Or(params["broker"], defaultBroker),
			ClientID: cmp.Or(params["client_id"], defaultClientID),
			Filter:   cmp.Or(params["filter"], defaultFilter),
			QoS:      qos,
			Username: params["username"],
			Password: params["password"],
			Encoding: cmp.Or(params["encoding"], defaultEncoding),
			Logger:   logger,
		}), nil
	}
}

// Run connects, subscribes on every (re)connect, and forwards messages until
// ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context, out chan<- bus.Message) error {
	opts := paho.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			s.logger.Warn("mqtt connection lost", "error", err)
		}).
		SetOnConnectHandler(func(c paho.Client) {
			tok := c.Subscribe(s.cfg.Filter, s.cfg.QoS, func(_ paho.Client, m paho.Message) {
				bus.Emit(ctx, out, s.convert(m.Topic(), m.Payload()))
			})
			if tok.WaitTimeout(connectTimeout) && tok.Error() != nil {
				s.logger.Error("mqtt subscribe failed", "filter", s.cfg.Filter, "error", tok.Error())
				return
			}
			s.logger.Info("mqtt subscribed", "broker", s.cfg.Broker, "filter", s.cfg.Filter, "qos", s.cfg.QoS)
		})
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	client := paho.NewClient(opts)
	tok := client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", s.cfg.Broker, err)
		}
	case <-ctx.Done():
	}

	<-ctx.Done()
	client.Disconnect(250)
	s.logger.Info("mqtt subscriber stopped")
	return nil
}

func (s *Subscriber) convert(topic string, payload []byte) bus.Message {
	return bus.Message{
		Topic:      topic,
		Payload:    payload,
		Encoding:   s.cfg.Encoding,
		ReceivedAt: time.Now(),
	}
}
