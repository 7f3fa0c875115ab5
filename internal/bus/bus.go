// Package bus defines how the recorder receives messages from a
// publish/subscribe transport.
//
// Each transport implements Subscriber and is constructed by a Factory from
// string parameters (the repeated --bus-param KEY=VALUE flags). Subscribers
// push every message they observe into a bounded channel owned by the caller;
// when the channel is full the subscriber blocks, which is the backpressure
// policy of the recorder.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"
)

// ErrUnknownTransport is returned by Registry.New for unregistered names.
var ErrUnknownTransport = errors.New("unknown bus transport")

// DefaultMailbox is the default capacity of the channel between a
// subscriber and the recorder.
const DefaultMailbox = 256

// Message is one observed publication.
type Message struct {
	// Topic is the hierarchical, '/'-separated name of the stream.
	Topic string
	// Payload is passed through to the recording untouched.
	Payload []byte
	// Encoding is the `primary/type[;schema]` descriptor string.
	Encoding string
	// ReceivedAt is when the transport handed the message over.
	ReceivedAt time.Time
}

// Subscriber is a source of bus messages.
// Implementations must respect context cancellation and exit promptly.
type Subscriber interface {
	// Run subscribes to every topic and emits messages to out until ctx is
	// cancelled or the upstream session ends. Run must select on ctx.Done()
	// when sending. It does not close out.
	Run(ctx context.Context, out chan<- Message) error
}

// Factory creates a Subscriber from transport parameters.
// Factories validate params and apply defaults; they must not start
// goroutines or perform I/O.
//
// The logger parameter is optional. If nil, the subscriber disables logging.
type Factory func(params map[string]string, logger *slog.Logger) (Subscriber, error)

// Registry maps transport names to factories.
type Registry map[string]Factory

// Names returns the registered transport names, sorted.
func (r Registry) Names() []string {
	return slices.Sorted(maps.Keys(r))
}

// New constructs the named transport.
func (r Registry) New(name string, params map[string]string, logger *slog.Logger) (Subscriber, error) {
	f, ok := r[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownTransport, name, strings.Join(r.Names(), ", "))
	}
	return f(params, logger)
}

// Emit sends msg unless ctx is cancelled first. It reports whether the
// message was delivered.
func Emit(ctx context.Context, out chan<- Message, msg Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// DottedTopic converts a '.'-separated subject or topic name into the
// recorder's '/'-separated form.
func DottedTopic(name string) string {
	return strings.ReplaceAll(name, ".", "/")
}
