// Package memory provides an in-process bus. Publishers and the recorder
// share a Broker; subscriptions use key expressions where "*" matches one
// topic level and "**" matches any number of levels.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/bluerobotics/blueos-recorder/internal/bus"
	"github.com/bluerobotics/blueos-recorder/internal/logging"
)

// DefaultKeyExpr subscribes to every topic.
const DefaultKeyExpr = "**"

// Broker fans published messages out to subscribers. Closing the broker
// ends every subscriber's Run, which models the bus session being torn down.
type Broker struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed chan struct{}
	once   sync.Once
	now    func() time.Time
}

// NewBroker creates an open broker.
func NewBroker() *Broker {
	return &Broker{
		subs:   make(map[*Subscriber]struct{}),
		closed: make(chan struct{}),
		now:    time.Now,
	}
}

// Subscriber receives every published message whose topic matches its key expression.
type Subscriber struct {
	broker  *Broker
	keyExpr string
	queue   chan bus.Message
	logger  *slog.Logger
}

// Subscribe registers a subscriber. Messages published before Run starts are
// queued up to capacity; further publishes block until Run drains them.
func (b *Broker) Subscribe(keyExpr string, capacity int, logger *slog.Logger) (*Subscriber, error) {
	if keyExpr == "" {
		keyExpr = DefaultKeyExpr
	}
	if !doublestar.ValidatePattern(keyExpr) {
		return nil, fmt.Errorf("memory bus: invalid key expression %q", keyExpr)
	}
	if capacity <= 0 {
		capacity = bus.DefaultMailbox
	}
	s := &Subscriber{
		broker:  b,
		keyExpr: keyExpr,
		queue:   make(chan bus.Message, capacity),
		logger:  logging.Default(logger).With("component", "bus", "type", "memory"),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s] = struct{}{}
	return s, nil
}

// Publish delivers a message to every matching subscriber, in order.
// It returns false once the broker is closed.
func (b *Broker) Publish(ctx context.Context, topic, encoding string, payload []byte) bool {
	msg := bus.Message{Topic: topic, Payload: payload, Encoding: encoding, ReceivedAt: b.now()}

	b.mu.Lock()
	targets := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		if s.matches(topic) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		select {
		case s.queue <- msg:
		case <-b.closed:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Close ends the session. Messages already queued are still delivered.
func (b *Broker) Close() {
	b.once.Do(func() { close(b.closed) })
}

func (s *Subscriber) matches(topic string) bool {
	ok, err := doublestar.Match(s.keyExpr, topic)
	return err == nil && ok
}

// Run forwards queued messages to out until ctx is cancelled or the broker
// is closed and the queue is drained.
func (s *Subscriber) Run(ctx context.Context, out chan<- bus.Message) error {
	s.logger.Info("memory subscriber started", "key_expr", s.keyExpr)
	defer func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()
	}()

	for {
		select {
		case msg := <-s.queue:
			if !bus.Emit(ctx, out, msg) {
				return nil
			}
		case <-ctx.Done():
			return nil
		case <-s.broker.closed:
			return s.drain(ctx, out)
		}
	}
}

func (s *Subscriber) drain(ctx context.Context, out chan<- bus.Message) error {
	for {
		select {
		case msg := <-s.queue:
			if !bus.Emit(ctx, out, msg) {
				return nil
			}
		default:
			s.logger.Info("memory bus closed")
			return nil
		}
	}
}

// NewFactory returns a bus.Factory that subscribes to broker.
//
// Supported parameters:
//   - "key_expr": subscription key expression (default "**")
//   - "capacity": per-subscriber queue length (default bus.DefaultMailbox)
func NewFactory(broker *Broker) bus.Factory {
	return func(params map[string]string, logger *slog.Logger) (bus.Subscriber, error) {
		capacity := 0
		if v := params["capacity"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("memory bus: invalid capacity %q", v)
			}
			capacity = n
		}
		return broker.Subscribe(params["key_expr"], capacity, logger)
	}
}
