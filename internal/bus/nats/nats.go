// Package nats subscribes the recorder to a NATS server.
//
// Subjects are mapped to recorder topics by turning '.' into '/'. The
// encoding descriptor is read from a message header, Content-Type by default.
package nats

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bluerobotics/blueos-recorder/internal/bus"
	"github.com/bluerobotics/blueos-recorder/internal/logging"
)

// Config holds NATS subscriber configuration.
type Config struct {
	URL             string
	Subject         string
	EncodingHeader  string
	DefaultEncoding string
	Buffer          int
	Logger          *slog.Logger
}

// Subscriber receives every message on Subject.
type Subscriber struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a NATS subscriber. No connection is made until Run.
func New(cfg Config) *Subscriber {
	return &Subscriber{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "bus", "type", "nats"),
	}
}

// NewFactory returns a bus.Factory for NATS.
//
// Supported parameters:
//   - "url": server URL (default nats://127.0.0.1:4222)
//   - "subject": subscription subject (default ">")
//   - "encoding_header": header carrying the encoding (default "Content-Type")
//   - "default_encoding": encoding used when the header is absent (default none)
//   - "buffer": client-side pending message buffer (default 1024)
func NewFactory() bus.Factory {
	return func(params map[string]string, logger *slog.Logger) (bus.Subscriber, error) {
		buffer := 1024
		if v := params["buffer"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("nats bus: invalid buffer %q", v)
			}
			buffer = n
		}
		return New(Config{
			URL:             cmp.Or(params["url"], nats.DefaultURL),
			Subject:         cmp.Or(params["subject"], ">"),
			EncodingHeader:  cmp.Or(params["encoding_header"], "Content-Type"),
			DefaultEncoding: params["default_encoding"],
			Buffer:          buffer,
			Logger:          logger,
		}), nil
	}
}

// Run connects, subscribes and forwards messages until ctx is cancelled or
// the connection is permanently closed.
func (s *Subscriber) Run(ctx context.Context, out chan<- bus.Message) error {
	closed := make(chan struct{})
	nc, err := nats.Connect(s.cfg.URL,
		nats.Name("blueos-recorder"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", s.cfg.URL, err)
	}
	defer nc.Close()

	ch := make(chan *nats.Msg, s.cfg.Buffer)
	sub, err := nc.ChanSubscribe(s.cfg.Subject, ch)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.cfg.Subject, err)
	}
	defer sub.Unsubscribe() //nolint:errcheck
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("flushing subscription: %w", err)
	}

	s.logger.Info("nats subscriber started", "url", s.cfg.URL, "subject", s.cfg.Subject)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("nats subscriber stopping")
			return nil
		case <-closed:
			return errors.New("nats connection closed")
		case m := <-ch:
			if !bus.Emit(ctx, out, s.convert(m)) {
				return nil
			}
		}
	}
}

func (s *Subscriber) convert(m *nats.Msg) bus.Message {
	enc := s.cfg.DefaultEncoding
	if m.Header != nil {
		if v := m.Header.Get(s.cfg.EncodingHeader); v != "" {
			enc = v
		}
	}
	return bus.Message{
		Topic:      bus.DottedTopic(m.Subject),
		Payload:    m.Data,
		Encoding:   enc,
		ReceivedAt: time.Now(),
	}
}
