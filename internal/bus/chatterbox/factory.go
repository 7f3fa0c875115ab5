package chatterbox

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bluerobotics/blueos-recorder/internal/bus"
	"github.com/bluerobotics/blueos-recorder/internal/bus/memory"
	"github.com/bluerobotics/blueos-recorder/internal/logging"
)

const (
	defaultMinInterval = 100 * time.Millisecond
	defaultMaxInterval = 1 * time.Second
	defaultArmEvery    = 50
	defaultSystemID    = 1
)

// NewSubscriber creates a simulator from configuration parameters.
//
// Supported parameters:
//   - "minInterval": minimum delay between ticks (default: "100ms")
//   - "maxInterval": maximum delay between ticks (default: "1s")
//   - "armEvery": ticks between arm/disarm toggles, 0 keeps the vehicle disarmed (default: 50)
//   - "systemID": MAVLink system id used in topics (default: 1)
//   - "streams": comma-separated list of enabled sensor streams (default: all)
//     Valid streams: attitude, depth, battery, imu, status
//   - "key": key expression selecting the topics delivered (default: "**")
//   - "capacity": queue length between the simulator and Run (default: bus.DefaultMailbox)
//
// Intervals use Go duration format: "100us", "1.5ms", "2s", etc.
//
// If logger is nil, logging is disabled.
func NewSubscriber(params map[string]string, logger *slog.Logger) (bus.Subscriber, error) {
	minInterval := defaultMinInterval
	maxInterval := defaultMaxInterval
	armEvery := defaultArmEvery
	systemID := defaultSystemID

	if v, ok := params["minInterval"]; ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid minInterval %q: %w", v, err)
		}
		if parsed < 0 {
			return nil, fmt.Errorf("minInterval must be non-negative, got %v", parsed)
		}
		minInterval = parsed
	}

	if v, ok := params["maxInterval"]; ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid maxInterval %q: %w", v, err)
		}
		if parsed < 0 {
			return nil, fmt.Errorf("maxInterval must be non-negative, got %v", parsed)
		}
		maxInterval = parsed
	}

	if minInterval > maxInterval {
		return nil, fmt.Errorf("minInterval (%v) must not exceed maxInterval (%v)", minInterval, maxInterval)
	}

	if v, ok := params["armEvery"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid armEvery %q: %w", v, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("armEvery must be non-negative, got %d", n)
		}
		armEvery = n
	}

	if v, ok := params["systemID"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid systemID %q: %w", v, err)
		}
		if n <= 0 || n > 255 {
			return nil, fmt.Errorf("systemID must be in 1..255, got %d", n)
		}
		systemID = n
	}

	names, err := parseStreams(params["streams"])
	if err != nil {
		return nil, err
	}
	streams := make([]stream, 0, len(names))
	for _, name := range names {
		streams = append(streams, newStream(name))
	}

	capacity := 0
	if v, ok := params["capacity"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid capacity %q", v)
		}
		capacity = n
	}

	key := params["key"]
	if key == "" {
		key = memory.DefaultKeyExpr
	}
	broker := memory.NewBroker()
	sub, err := broker.Subscribe(key, capacity, logger)
	if err != nil {
		return nil, err
	}

	return &Subscriber{
		broker:      broker,
		sub:         sub,
		key:         key,
		minInterval: minInterval,
		maxInterval: maxInterval,
		armEvery:    armEvery,
		systemID:    systemID,
		rng:         rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		streams:     streams,
		logger:      logging.Default(logger).With("component", "bus", "type", "chatterbox"),
	}, nil
}

// parseStreams parses the streams parameter into a list of stream names.
// If empty, returns all streams.
func parseStreams(param string) ([]string, error) {
	if param == "" {
		return allStreams, nil
	}

	var streams []string
	for p := range strings.SplitSeq(param, ",") {
		name := strings.TrimSpace(p)
		if name == "" {
			continue
		}
		if !slices.Contains(allStreams, name) {
			return nil, fmt.Errorf("unknown stream %q", name)
		}
		if slices.Contains(streams, name) {
			continue
		}
		streams = append(streams, name)
	}

	if len(streams) == 0 {
		return nil, fmt.Errorf("no valid streams specified")
	}
	return streams, nil
}
