// Package catalog maps bus topics to registered container channels.
//
// A Catalog lives exactly as long as one recording: the first message seen
// on a topic resolves a schema and registers a schema/channel pair; every
// later message on that topic reuses the cached Channel without looking at
// its encoding or payload again. Failed resolutions are not cached, so the
// topic is retried on its next message.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bluerobotics/blueos-recorder/internal/encoding"
	"github.com/bluerobotics/blueos-recorder/internal/logging"
	"github.com/bluerobotics/blueos-recorder/internal/schema"
)

var (
	// ErrUnsupportedEncoding is returned for encodings the catalog cannot describe.
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
	// ErrNotObject is returned when a structured payload is not an object at the top level.
	ErrNotObject = errors.New("payload is not an object")
	// ErrRegister wraps failures reported by the Registrar.
	ErrRegister = errors.New("register channel")
)

// Registrar registers a schema and a channel referencing it, returning the
// channel ID. *container.Writer implements it.
type Registrar interface {
	Register(name, language string, description []byte, topic, messageEncoding string) (uint16, error)
}

// DefinitionLoader returns the text of an external message definition.
// *schema.Loader implements it.
type DefinitionLoader interface {
	Load(name string) (string, error)
}

// Channel is a registered output stream for one topic.
type Channel struct {
	ID       uint16
	Topic    string
	Sequence uint32 // sequence number of the next record
}

// Advance moves the sequence counter past a successfully written record.
func (c *Channel) Advance() { c.Sequence++ }

// Config configures a Catalog.
type Config struct {
	Registrar Registrar
	Loader    DefinitionLoader

	// Logger for resolution outcomes. If nil, logging is disabled.
	Logger *slog.Logger
}

// Catalog memoizes one Channel per topic.
type Catalog struct {
	reg      Registrar
	loader   DefinitionLoader
	channels map[string]*Channel
	logger   *slog.Logger
}

// New creates an empty catalog bound to one recording.
func New(cfg Config) *Catalog {
	return &Catalog{
		reg:      cfg.Registrar,
		loader:   cfg.Loader,
		channels: make(map[string]*Channel),
		logger:   logging.Default(cfg.Logger).With("component", "catalog"),
	}
}

// Len returns the number of registered channels.
func (c *Catalog) Len() int { return len(c.channels) }

// Lookup returns the channel for topic without registering anything.
func (c *Catalog) Lookup(topic string) (*Channel, bool) {
	ch, ok := c.channels[topic]
	return ch, ok
}

// registration is everything the Registrar needs for one topic.
type registration struct {
	name            string
	language        string
	description     []byte
	messageEncoding string
}

// Resolve returns the channel for topic, registering it on first use.
// On a cache hit the encoding and payload are ignored.
//
// A non-nil error means the message must be dropped; the topic stays
// unregistered. The failure has already been logged.
func (c *Catalog) Resolve(topic, enc string, payload []byte) (*Channel, error) {
	if ch, ok := c.channels[topic]; ok {
		return ch, nil
	}

	desc := encoding.Parse(enc)
	reg, err := c.describe(desc, topic, payload)
	if err != nil {
		c.logger.Warn("dropping message, schema unresolved",
			"topic", topic, "encoding", desc.Raw, "error", err)
		return nil, err
	}

	c.logger.Info("registering topic", "topic", topic, "encoding", desc.Raw, "schema", reg.name)
	c.logger.Debug("schema description", "topic", topic, "description", string(reg.description))

	id, err := c.reg.Register(reg.name, reg.language, reg.description, topic, reg.messageEncoding)
	if err != nil {
		c.logger.Error("dropping message, registration failed",
			"topic", topic, "encoding", desc.Raw, "error", err)
		return nil, fmt.Errorf("%w %q: %w", ErrRegister, topic, err)
	}
	ch := &Channel{ID: id, Topic: topic}
	c.channels[topic] = ch
	return ch, nil
}

func (c *Catalog) describe(desc encoding.Descriptor, topic string, payload []byte) (registration, error) {
	name := desc.Schema
	if name == "" {
		name = SchemaName(topic)
	}

	switch {
	case desc.Kind == encoding.KindCDR:
		if c.loader == nil {
			return registration{}, fmt.Errorf("load schema %q: %w", desc.Schema, schema.ErrNotFound)
		}
		text, err := c.loader.Load(desc.Schema)
		if err != nil {
			return registration{}, fmt.Errorf("load schema: %w", err)
		}
		return registration{
			name:            name,
			language:        schema.LanguageROS2Msg,
			description:     []byte(text),
			messageEncoding: desc.Kind.MessageEncoding(),
		}, nil

	case desc.Kind.Structured():
		value, err := encoding.Decode(desc.Kind, payload)
		if err != nil {
			return registration{}, err
		}
		if !encoding.IsObject(value) {
			return registration{}, ErrNotObject
		}
		data, err := schema.Marshal(value)
		if err != nil {
			return registration{}, fmt.Errorf("encode schema: %w", err)
		}
		return registration{
			name:            name,
			language:        schema.LanguageJSONSchema,
			description:     data,
			messageEncoding: desc.Kind.MessageEncoding(),
		}, nil

	default:
		return registration{}, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, desc.Raw)
	}
}

// SchemaName flattens a hierarchical topic into a schema name ("a/b/c" -> "a.b.c").
func SchemaName(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}
