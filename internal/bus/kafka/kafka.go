// Package kafka subscribes the recorder to Kafka topics using franz-go.
//
// Kafka topic names map to recorder topics by turning '.' into '/'. The
// encoding descriptor comes from a record header ("content-type" by default,
// matched case-insensitively).
package kafka

import (
	"cmp"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"github.com/bluerobotics/blueos-recorder/internal/bus"
	"github.com/bluerobotics/blueos-recorder/internal/logging"
)

// SASLConfig holds SASL authentication parameters.
type SASLConfig struct {
	Mechanism string // "plain", "scram-sha-256", "scram-sha-512"
	User      string
	Password  string //nolint:gosec // G117: config field, not a hardcoded credential
}

// Config holds Kafka subscriber configuration.
type Config struct {
	Brokers []string
	// Topics is a list of regular expressions; every matching topic is consumed.
	Topics          []string
	Group           string
	TLS             bool
	SASL            *SASLConfig
	EncodingHeader  string
	DefaultEncoding string
	Logger          *slog.Logger
}

// Subscriber consumes Kafka records.
type Subscriber struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Kafka subscriber.
func New(cfg Config) *Subscriber {
	return &Subscriber{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "bus", "type", "kafka"),
	}
}

// NewFactory returns a bus.Factory for Kafka.
//
// Supported parameters:
//   - "brokers": comma-separated seed brokers (required)
//   - "topics": comma-separated topic regular expressions (default ".*")
//   - "group": consumer group (default "blueos-recorder")
//   - "tls": "true" to dial with TLS
//   - "sasl_mechanism", "sasl_user", "sasl_password"
//   - "encoding_header": record header carrying the encoding (default "content-type")
//   - "default_encoding": encoding used when the header is absent (default none)
func NewFactory() bus.Factory {
	return func(params map[string]string, logger *slog.Logger) (bus.Subscriber, error) {
		brokers := splitList(params["brokers"])
		if len(brokers) == 0 {
			return nil, fmt.Errorf("kafka bus: brokers param is required")
		}
		topics := splitList(params["topics"])
		if len(topics) == 0 {
			topics = []string{".*"}
		}

		var auth *SASLConfig
		if mech := params["sasl_mechanism"]; mech != "" {
			switch strings.ToLower(mech) {
			case "plain", "scram-sha-256", "scram-sha-512":
			default:
				return nil, fmt.Errorf("kafka bus: unsupported sasl_mechanism %q (supported: plain, scram-sha-256, scram-sha-512)", mech)
			}
			auth = &SASLConfig{
				Mechanism: strings.ToLower(mech),
				User:      params["sasl_user"],
				Password:  params["sasl_password"],
			}
		}

		return New(Config{
			Brokers:         brokers,
			Topics:          topics,
			Group:           cmp.Or(params["group"], "blueos-recorder"),
			TLS:             params["tls"] == "true",
			SASL:            auth,
			EncodingHeader:  cmp.Or(params["encoding_header"], "content-type"),
			DefaultEncoding: params["default_encoding"],
			Logger:          logger,
		}), nil
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Run connects to Kafka and polls records until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context, out chan<- bus.Message) error {
	opts := []kgo.Opt{
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.ConsumeRegex(),
		kgo.ConsumeTopics(s.cfg.Topics...),
		kgo.ConsumerGroup(s.cfg.Group),
	}
	if s.cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}
	if s.cfg.SASL != nil {
		mech, err := buildSASLMechanism(s.cfg.SASL)
		if err != nil {
			return err
		}
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	defer client.Close()

	s.logger.Info("kafka subscriber started",
		"brokers", s.cfg.Brokers,
		"topics", s.cfg.Topics,
		"group", s.cfg.Group,
	)

	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			s.logger.Info("kafka subscriber stopping")
			_ = client.CommitUncommittedOffsets(context.Background())
			return nil
		}
		if fetches.IsClientClosed() {
			return fmt.Errorf("kafka client closed")
		}
		for _, e := range fetches.Errors() {
			s.logger.Warn("kafka fetch error",
				"topic", e.Topic,
				"partition", e.Partition,
				"error", e.Err,
			)
		}

		delivered := true
		fetches.EachRecord(func(rec *kgo.Record) {
			if !delivered {
				return
			}
			delivered = bus.Emit(ctx, out, s.convert(rec))
		})
		if !delivered {
			return nil
		}
	}
}

func (s *Subscriber) convert(rec *kgo.Record) bus.Message {
	return bus.Message{
		Topic:      bus.DottedTopic(rec.Topic),
		Payload:    rec.Value,
		Encoding:   s.encoding(rec.Headers),
		ReceivedAt: time.Now(),
	}
}

func (s *Subscriber) encoding(headers []kgo.RecordHeader) string {
	for _, h := range headers {
		if strings.EqualFold(h.Key, s.cfg.EncodingHeader) && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	return s.cfg.DefaultEncoding
}

// buildSASLMechanism constructs the appropriate SASL mechanism.
func buildSASLMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "plain":
		return plain.Auth{User: cfg.User, Pass: cfg.Password}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{User: cfg.User, Pass: cfg.Password}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{User: cfg.User, Pass: cfg.Password}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}
