// Package trigger decides when the recorder is armed.
//
// A Controller watches messages whose topic matches a control pattern (by
// default the MAVLink HEARTBEAT base_mode of the autopilot component) and
// tests the safety-armed bit of the payload's "bits" field. Arming opens a
// new session; disarming closes it. Repeating the current state does nothing.
// Unparseable control messages are ignored.
package trigger

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/titanous/json5"

	"github.com/bluerobotics/blueos-recorder/internal/encoding"
	"github.com/bluerobotics/blueos-recorder/internal/logging"
)

// DefaultPattern matches the base_mode field of every vehicle's autopilot heartbeat.
const DefaultPattern = `mavlink/\d+/1/HEARTBEAT/base_mode`

// DefaultField is the payload field holding the mode bit-field.
const DefaultField = "bits"

// SafetyArmed is MAV_MODE_FLAG_SAFETY_ARMED.
const SafetyArmed uint64 = 0b1000_0000

// State is the recording state.
type State int

const (
	Disarmed State = iota
	Armed
)

func (s State) String() string {
	if s == Armed {
		return "armed"
	}
	return "disarmed"
}

// Sessions opens and closes recording sessions on behalf of the Controller.
type Sessions interface {
	// Open starts a new session. An error is fatal to the recorder.
	Open() error
	// Close finalizes the current session.
	Close() error
}

// Config configures a Controller.
type Config struct {
	// Pattern selects control topics. Empty means DefaultPattern.
	// The expression is unanchored, as a substring search.
	Pattern string
	// Field names the numeric bit-field in the control payload. Empty means DefaultField.
	Field string
	// Mask is the bit that means armed. Zero means SafetyArmed.
	Mask uint64

	Sessions Sessions

	// Logger for transitions. If nil, logging is disabled.
	Logger *slog.Logger
}

// Controller is the armed/disarmed state machine. It is not safe for
// concurrent use.
type Controller struct {
	pattern  *regexp.Regexp
	field    string
	mask     uint64
	sessions Sessions
	state    State
	logger   *slog.Logger
}

// New compiles the control pattern and returns a disarmed Controller.
func New(cfg Config) (*Controller, error) {
	pattern := cfg.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("control topic pattern %q: %w", pattern, err)
	}
	field := cfg.Field
	if field == "" {
		field = DefaultField
	}
	mask := cfg.Mask
	if mask == 0 {
		mask = SafetyArmed
	}
	return &Controller{
		pattern:  re,
		field:    field,
		mask:     mask,
		sessions: cfg.Sessions,
		logger:   logging.Default(cfg.Logger).With("component", "trigger"),
	}, nil
}

// State returns the current state.
func (c *Controller) State() State { return c.state }

// Armed reports whether a session should be open.
func (c *Controller) Armed() bool { return c.state == Armed }

// IsControl reports whether topic is a control topic.
func (c *Controller) IsControl(topic string) bool {
	return c.pattern.MatchString(topic)
}

// Observe feeds one bus message to the state machine. Non-control topics and
// control payloads without a readable bit-field leave the state unchanged.
//
// The returned error comes from Sessions.Open and is fatal. A Close error is
// logged and the controller still moves to Disarmed, since the session is gone
// either way.
func (c *Controller) Observe(topic string, payload []byte) error {
	if !c.IsControl(topic) {
		return nil
	}
	bits, ok := c.readBits(payload)
	if !ok {
		return nil
	}

	armed := bits&c.mask != 0
	switch {
	case armed && c.state == Disarmed:
		if err := c.sessions.Open(); err != nil {
			return err
		}
		c.state = Armed
		c.logger.Info("armed, recording started", "topic", topic, "bits", bits)
	case !armed && c.state == Armed:
		c.state = Disarmed
		if err := c.sessions.Close(); err != nil {
			c.logger.Error("closing recording failed", "error", err)
		}
		c.logger.Info("disarmed, recording stopped", "topic", topic, "bits", bits)
	}
	return nil
}

// readBits extracts a non-negative integer field from a structured-text payload.
func (c *Controller) readBits(payload []byte) (uint64, bool) {
	v, err := encoding.DecodeJSON(payload)
	if err != nil {
		return 0, false
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return 0, false
	}
	num, ok := obj[c.field].(json5.Number)
	if !ok {
		return 0, false
	}
	bits, err := num.Int64()
	if err != nil || bits < 0 {
		return 0, false
	}
	return uint64(bits), true
}
