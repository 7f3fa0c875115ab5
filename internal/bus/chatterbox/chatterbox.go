// Package chatterbox provides a simulated vehicle bus that publishes
// telemetry at random intervals. It is used to exercise the full recording
// pipeline without a vehicle.
//
// The simulator publishes into its own memory.Broker and the recorder reads
// through a subscription on it, so the "key" parameter filters topics the
// same way a key expression does on the real bus.
package chatterbox

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bluerobotics/blueos-recorder/internal/bus"
	"github.com/bluerobotics/blueos-recorder/internal/bus/memory"
)

// Subscriber emits simulated telemetry at random intervals.
// It implements bus.Subscriber.
//
// Every tick publishes one heartbeat on the control topic followed by one
// sensor message chosen at random. The heartbeat's safety-armed bit flips
// every armEvery ticks, so a recording session opens and closes
// periodically. A Subscriber runs once; its broker is closed when Run returns.
type Subscriber struct {
	broker *memory.Broker
	sub    *memory.Subscriber
	key    string

	minInterval time.Duration
	maxInterval time.Duration
	armEvery    int
	systemID    int
	rng         *rand.Rand
	streams     []stream

	tick  int
	armed bool

	logger *slog.Logger
}

// Run emits messages matching the key expression to out until ctx is
// cancelled. Returns nil on normal cancellation.
func (s *Subscriber) Run(ctx context.Context, out chan<- bus.Message) error {
	s.logger.Info("simulator started",
		"system_id", s.systemID,
		"key", s.key,
		"arm_every", s.armEvery,
		"min_interval", s.minInterval,
		"max_interval", s.maxInterval,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.sub.Run(gctx, out)
	})
	g.Go(func() error {
		defer s.broker.Close()
		s.simulate(gctx)
		return nil
	})
	return g.Wait()
}

// simulate publishes one tick at a time until ctx is cancelled.
func (s *Subscriber) simulate(ctx context.Context) {
	timer := time.NewTimer(s.randomInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		for _, msg := range s.nextTick(time.Now()) {
			if !s.broker.Publish(ctx, msg.Topic, msg.Encoding, msg.Payload) {
				return
			}
		}

		timer.Reset(s.randomInterval())
	}
}

// randomInterval returns a random duration between minInterval and maxInterval.
func (s *Subscriber) randomInterval() time.Duration {
	if s.minInterval >= s.maxInterval {
		return s.minInterval
	}
	delta := s.maxInterval - s.minInterval
	return s.minInterval + time.Duration(s.rng.Int64N(int64(delta)))
}

// nextTick advances the simulation by one step and returns the messages
// published during it.
func (s *Subscriber) nextTick(now time.Time) []bus.Message {
	if s.armEvery > 0 && s.tick > 0 && s.tick%s.armEvery == 0 {
		s.armed = !s.armed
	}
	s.tick++

	msgs := []bus.Message{heartbeat(s.systemID, s.armed, now)}
	if len(s.streams) > 0 {
		st := s.streams[s.rng.IntN(len(s.streams))]
		msgs = append(msgs, bus.Message{
			Topic:      st.topic(s.systemID),
			Payload:    st.generate(s.rng),
			Encoding:   st.encoding,
			ReceivedAt: now,
		})
	}
	return msgs
}
