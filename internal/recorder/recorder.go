// Package recorder runs the ingestion loop: it feeds every bus message to the
// arm/disarm controller and, while armed, records it into the open container.
//
// The Recorder exclusively owns the controller, the catalog and the container
// writer; all of them are driven from the goroutine that calls Run. Only
// State, Session and Stats may be called from other goroutines.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bluerobotics/blueos-recorder/internal/bus"
	"github.com/bluerobotics/blueos-recorder/internal/catalog"
	"github.com/bluerobotics/blueos-recorder/internal/container"
	"github.com/bluerobotics/blueos-recorder/internal/logging"
	"github.com/bluerobotics/blueos-recorder/internal/schema"
	"github.com/bluerobotics/blueos-recorder/internal/trigger"
)

// ErrFatal wraps the only condition that stops the recorder: a recording
// that cannot be created.
var ErrFatal = errors.New("recorder cannot continue")

// DefaultFlushInterval is used when Config.FlushInterval is zero.
const DefaultFlushInterval = 30 * time.Second

// Archiver receives the path of every finalized recording.
// *archive.Uploader implements it.
type Archiver interface {
	Enqueue(path string) error
}

// SessionWriter is one open recording. *container.Writer implements it.
type SessionWriter interface {
	catalog.Registrar
	Append(channelID uint16, sequence uint32, logTime, publishTime uint64, payload []byte) error
	Flush() error
	Finalize() error
	Path() string
	Stats() container.Stats
}

// CreateFunc opens the recording for a session that starts at now.
type CreateFunc func(dir string, now time.Time, opts container.Options) (SessionWriter, error)

func createContainer(dir string, now time.Time, opts container.Options) (SessionWriter, error) {
	w, err := container.Create(dir, now, opts)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Config configures a Recorder.
type Config struct {
	// OutputDir receives the recordings. It must exist.
	OutputDir string
	// SchemaRoot holds external message definitions.
	SchemaRoot string
	// ControlPattern selects control topics. Empty means trigger.DefaultPattern.
	ControlPattern string

	// Container options applied to every recording. Metadata and Logger are
	// filled in per session.
	Container container.Options

	// FlushInterval is the wall-clock time between flushes, measured when a
	// message is recorded. Zero means DefaultFlushInterval.
	FlushInterval time.Duration

	// Create opens each session's recording. Defaults to container.Create.
	Create CreateFunc

	// Archiver is optional.
	Archiver Archiver

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for lifecycle events and dropped messages. If nil, logging is disabled.
	Logger *slog.Logger
}

// Stats counts messages seen by the ingestion loop.
type Stats struct {
	Received uint64
	Recorded uint64
	Dropped  uint64
	Sessions int
}

// Recorder is the ingestion loop and the owner of the current session.
type Recorder struct {
	cfg      Config
	now      func() time.Time
	create   CreateFunc
	interval time.Duration
	ctrl     *trigger.Controller
	loader   *schema.Loader
	hostname string

	// Owned by the Run goroutine.
	catalog   *catalog.Catalog
	lastFlush time.Time

	mu      sync.Mutex
	writer  SessionWriter
	session string
	stats   Stats

	logger *slog.Logger
}

// New creates a disarmed Recorder.
func New(cfg Config) (*Recorder, error) {
	logger := logging.Default(cfg.Logger)
	r := &Recorder{
		cfg:      cfg,
		now:      cfg.Now,
		create:   cfg.Create,
		interval: cfg.FlushInterval,
		loader:   schema.NewLoader(cfg.SchemaRoot),
		logger:   logger.With("component", "recorder"),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.create == nil {
		r.create = createContainer
	}
	if r.interval <= 0 {
		r.interval = DefaultFlushInterval
	}
	if h, err := os.Hostname(); err == nil {
		r.hostname = h
	}

	ctrl, err := trigger.New(trigger.Config{
		Pattern:  cfg.ControlPattern,
		Sessions: r,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	r.ctrl = ctrl
	return r, nil
}

// State returns whether a recording is open.
func (r *Recorder) State() trigger.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer != nil {
		return trigger.Armed
	}
	return trigger.Disarmed
}

// Session returns the path of the open recording, or "" when disarmed.
func (r *Recorder) Session() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return ""
	}
	return r.writer.Path()
}

// Stats returns a snapshot of the loop counters.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Open starts a new recording. It implements trigger.Sessions.
func (r *Recorder) Open() error {
	if err := r.finish(); err != nil {
		r.logger.Error("finalizing previous recording failed", "error", err)
	}

	now := r.now()
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("%w: session id: %w", ErrFatal, err)
	}

	opts := r.cfg.Container
	opts.Metadata = map[string]string{
		"session_id": id.String(),
		"started_at": now.UTC().Format(time.RFC3339Nano),
		"hostname":   r.hostname,
	}
	opts.Logger = r.cfg.Logger

	w, err := r.create(r.cfg.OutputDir, now, opts)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}

	r.catalog = catalog.New(catalog.Config{
		Registrar: w,
		Loader:    r.loader,
		Logger:    r.cfg.Logger,
	})
	r.lastFlush = now

	r.mu.Lock()
	r.writer = w
	r.session = id.String()
	r.stats.Sessions++
	r.mu.Unlock()

	r.logger.Info("session opened", "path", w.Path(), "session_id", id.String())
	return nil
}

// Close finalizes the current recording. It implements trigger.Sessions.
func (r *Recorder) Close() error {
	return r.finish()
}

// finish finalizes the open writer, if any, and hands it to the archiver.
// It runs on every exit path of a session.
func (r *Recorder) finish() error {
	r.mu.Lock()
	w, session := r.writer, r.session
	r.writer, r.session = nil, ""
	r.mu.Unlock()
	r.catalog = nil
	if w == nil {
		return nil
	}

	err := w.Finalize()
	stats := w.Stats()
	r.logger.Info("session closed",
		"path", w.Path(),
		"session_id", session,
		"channels", stats.Channels,
		"messages", stats.Messages,
	)
	if err != nil {
		return err
	}
	if r.cfg.Archiver != nil {
		// A full queue has already been logged by the archiver.
		_ = r.cfg.Archiver.Enqueue(w.Path())
	}
	return nil
}

// Run consumes in until ctx is cancelled or in is closed. The open
// recording, if any, is finalized before Run returns. The returned error is
// non-nil only for fatal conditions and wraps ErrFatal.
func (r *Recorder) Run(ctx context.Context, in <-chan bus.Message) error {
	defer func() {
		if ferr := r.finish(); ferr != nil {
			r.logger.Error("finalizing recording on shutdown failed", "error", ferr)
		}
	}()

	r.logger.Info("recorder started",
		"output_dir", r.cfg.OutputDir,
		"schema_root", r.cfg.SchemaRoot,
		"flush_interval", r.interval,
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("recorder stopping")
			return nil
		case msg, ok := <-in:
			if !ok {
				r.logger.Info("bus closed, recorder stopping")
				return nil
			}
			if err := r.handle(msg); err != nil {
				return err
			}
		}
	}
}

// handle runs one iteration of the ingestion loop.
func (r *Recorder) handle(msg bus.Message) error {
	r.count(func(s *Stats) { s.Received++ })

	if err := r.ctrl.Observe(msg.Topic, msg.Payload); err != nil {
		return err
	}
	if !r.ctrl.Armed() {
		return nil
	}

	r.mu.Lock()
	w := r.writer
	r.mu.Unlock()
	if w == nil {
		return nil
	}

	ch, err := r.catalog.Resolve(msg.Topic, msg.Encoding, msg.Payload)
	if err != nil {
		r.count(func(s *Stats) { s.Dropped++ })
		return nil
	}

	now := r.now()
	ts := uint64(now.UnixNano()) //nolint:gosec // G115: wall clock is after the epoch
	if err := w.Append(ch.ID, ch.Sequence, ts, ts, msg.Payload); err != nil {
		r.logger.Error("dropping message, write failed", "topic", msg.Topic, "error", err)
		r.count(func(s *Stats) { s.Dropped++ })
		return nil
	}
	ch.Advance()
	r.count(func(s *Stats) { s.Recorded++ })

	if now.Sub(r.lastFlush) > r.interval {
		if err := w.Flush(); err != nil {
			r.logger.Warn("flush failed", "error", err)
		}
		r.lastFlush = now
	}
	return nil
}

func (r *Recorder) count(f func(*Stats)) {
	r.mu.Lock()
	f(&r.stats)
	r.mu.Unlock()
}
