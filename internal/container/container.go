// Package container writes recording sessions as MCAP files.
//
// A Writer owns one output file from creation to finalization:
//
//	Create -> Register* / Append* / Flush* -> Finalize
//
// Schema and channel IDs are assigned here and are unique within one file.
// Payload bytes are written verbatim. Finalize writes the summary section
// and closes the file; it is safe to call more than once.
//
// A Writer is not safe for concurrent use. The recorder drives it from a
// single goroutine.
package container

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/foxglove/mcap/go/mcap"

	"github.com/bluerobotics/blueos-recorder/internal/logging"
)

// Extension is the file extension of every recording.
const Extension = ".mcap"

// FilePrefix starts every generated recording name.
const FilePrefix = "recorder_"

// fileTimeLayout sorts lexicographically in chronological order.
const fileTimeLayout = "20060102_150405"

// maxCollisions bounds the suffix search when several sessions start in the same second.
const maxCollisions = 1000

var (
	// ErrCreate is returned when the output file cannot be created.
	ErrCreate = errors.New("create recording")
	// ErrFinalized is returned for writes after Finalize.
	ErrFinalized = errors.New("recording finalized")
	// ErrUnknownChannel is returned when appending to an unregistered channel.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrTooManyChannels is returned when the 16-bit ID space is exhausted.
	ErrTooManyChannels = errors.New("channel id space exhausted")
)

// Compression names accepted in Options.
const (
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
	CompressionNone = "none"
)

// Options configures a Writer.
type Options struct {
	// Compression is one of "zstd" (default), "lz4" or "none". It applies
	// to chunks only and is ignored when ChunkSize is not positive.
	Compression string

	// ChunkSize is the target uncompressed chunk size in bytes. Zero or
	// negative writes records unchunked, so every Append is on disk after
	// the next Flush. A positive size buffers records in memory until the
	// chunk fills; Flush cannot persist a partial chunk.
	ChunkSize int64

	// Library is stored in the MCAP header.
	Library string

	// Metadata is written once as a "recorder" metadata record after the header.
	Metadata map[string]string

	// FileMode for the created file. Defaults to 0o644.
	FileMode os.FileMode

	// Logger for lifecycle events. If nil, logging is disabled.
	Logger *slog.Logger
}

// Stats counts what has been written to a Writer.
type Stats struct {
	Schemas  int
	Channels int
	Messages uint64
	Flushes  int
}

// Writer is one open MCAP recording.
type Writer struct {
	path       string
	file       *os.File
	buf        *bufio.Writer
	mw         *mcap.Writer
	channels   map[uint16]struct{}
	unbound    map[schemaKey]uint16 // schemas written whose channel record failed
	nextSchema uint16
	nextChan   uint16
	stats      Stats
	finalized  bool
	logger     *slog.Logger
}

type schemaKey struct {
	name, language, description string
}

// FileName returns the recording name for a session started at t (UTC).
func FileName(t time.Time) string {
	return FilePrefix + t.UTC().Format(fileTimeLayout) + Extension
}

// Create opens a new recording in dir named after now. An existing file is
// never truncated: if the name is taken, "_1", "_2", ... is appended.
func Create(dir string, now time.Time, opts Options) (*Writer, error) {
	base := strings.TrimSuffix(FileName(now), Extension)
	mode := opts.FileMode
	if mode == 0 {
		mode = 0o644
	}
	for i := 0; i < maxCollisions; i++ {
		name := base
		if i > 0 {
			name += "_" + strconv.Itoa(i)
		}
		path := filepath.Join(dir, name+Extension)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode) //nolint:gosec // G304: path is built from the configured output dir
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w %s: %w", ErrCreate, path, err)
		}
		w, err := newWriter(f, path, opts)
		if err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return nil, fmt.Errorf("%w %s: %w", ErrCreate, path, err)
		}
		return w, nil
	}
	return nil, fmt.Errorf("%w: no free name for %s in %s", ErrCreate, base, dir)
}

func newWriter(f *os.File, path string, opts Options) (*Writer, error) {
	wopts, err := writerOptions(opts)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)
	mw, err := mcap.NewWriter(buf, wopts)
	if err != nil {
		return nil, fmt.Errorf("mcap writer: %w", err)
	}
	if err := mw.WriteHeader(&mcap.Header{Library: opts.Library}); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if len(opts.Metadata) > 0 {
		if err := mw.WriteMetadata(&mcap.Metadata{
			Name:     "recorder",
			Metadata: maps.Clone(opts.Metadata),
		}); err != nil {
			return nil, fmt.Errorf("write metadata: %w", err)
		}
	}
	w := &Writer{
		path:       path,
		file:       f,
		buf:        buf,
		mw:         mw,
		channels:   make(map[uint16]struct{}),
		unbound:    make(map[schemaKey]uint16),
		nextSchema: 1, // schema ID 0 means "no schema" in MCAP
		logger:     logging.Default(opts.Logger).With("component", "container", "path", path),
	}
	w.logger.Info("recording opened")
	return w, nil
}

func writerOptions(opts Options) (*mcap.WriterOptions, error) {
	wopts := &mcap.WriterOptions{IncludeCRC: true}
	if opts.ChunkSize > 0 {
		wopts.Chunked = true
		wopts.ChunkSize = opts.ChunkSize
	}
	switch strings.ToLower(opts.Compression) {
	case "", CompressionZstd:
		wopts.Compression = mcap.CompressionZSTD
	case CompressionLZ4:
		wopts.Compression = mcap.CompressionLZ4
	case CompressionNone:
		wopts.Compression = mcap.CompressionNone
	default:
		return nil, fmt.Errorf("unsupported compression %q (supported: zstd, lz4, none)", opts.Compression)
	}
	return wopts, nil
}

// CheckCompression reports an error if name is not an accepted compression.
func CheckCompression(name string) error {
	_, err := writerOptions(Options{Compression: name})
	return err
}

// Path returns the file this writer records into.
func (w *Writer) Path() string { return w.path }

// Stats returns counters for records written so far.
func (w *Writer) Stats() Stats { return w.stats }

// Finalized reports whether Finalize has run.
func (w *Writer) Finalized() bool { return w.finalized }

// Register writes a schema record followed by a channel record that
// references it, and returns the new channel ID. Channel metadata is empty.
//
// If the channel record cannot be written, the schema record already in the
// file is remembered and a later Register with the same schema reuses its ID
// instead of writing it again.
func (w *Writer) Register(name, language string, description []byte, topic, messageEncoding string) (uint16, error) {
	if w.finalized {
		return 0, ErrFinalized
	}
	key := schemaKey{name: name, language: language, description: string(description)}
	schemaID, ok := w.unbound[key]
	if !ok {
		if w.nextSchema == 0 {
			return 0, ErrTooManyChannels
		}
		schemaID = w.nextSchema
		if err := w.mw.WriteSchema(&mcap.Schema{
			ID:       schemaID,
			Name:     name,
			Encoding: language,
			Data:     description,
		}); err != nil {
			return 0, fmt.Errorf("write schema %q: %w", name, err)
		}
		w.nextSchema++
		w.stats.Schemas++
		w.unbound[key] = schemaID
	}

	channelID := w.nextChan
	if err := w.mw.WriteChannel(&mcap.Channel{
		ID:              channelID,
		SchemaID:        schemaID,
		Topic:           topic,
		MessageEncoding: messageEncoding,
		Metadata:        map[string]string{},
	}); err != nil {
		w.logger.Warn("channel record failed, schema kept for retry",
			"topic", topic, "schema_id", schemaID, "error", err)
		return 0, fmt.Errorf("write channel %q: %w", topic, err)
	}
	delete(w.unbound, key)
	w.nextChan++
	w.channels[channelID] = struct{}{}
	w.stats.Channels++
	return channelID, nil
}

// Append writes one message record. Timestamps are nanoseconds since the Unix epoch.
func (w *Writer) Append(channelID uint16, sequence uint32, logTime, publishTime uint64, payload []byte) error {
	if w.finalized {
		return ErrFinalized
	}
	if _, ok := w.channels[channelID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channelID)
	}
	if err := w.mw.WriteMessage(&mcap.Message{
		ChannelID:   channelID,
		Sequence:    sequence,
		LogTime:     logTime,
		PublishTime: publishTime,
		Data:        payload,
	}); err != nil {
		return fmt.Errorf("write message on channel %d: %w", channelID, err)
	}
	w.stats.Messages++
	return nil
}

// Flush pushes buffered bytes to the file and syncs it to stable storage.
// Unchunked writers persist every record appended so far. Chunked writers
// persist completed chunks only.
func (w *Writer) Flush() error {
	if w.finalized {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", w.path, err)
	}
	w.stats.Flushes++
	w.logger.Info("recording flushed", "messages", w.stats.Messages)
	return nil
}

// Finalize writes the summary section and closes the file.
// Subsequent calls are no-ops and return nil.
func (w *Writer) Finalize() error {
	if w == nil || w.finalized {
		return nil
	}
	w.finalized = true

	var errs []error
	if err := w.mw.Close(); err != nil {
		errs = append(errs, fmt.Errorf("write summary: %w", err))
	}
	if err := w.buf.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := w.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		w.logger.Error("recording finalize failed", "error", err)
		return fmt.Errorf("finalize %s: %w", w.path, err)
	}
	w.logger.Info("recording finalized",
		"schemas", w.stats.Schemas,
		"channels", w.stats.Channels,
		"messages", w.stats.Messages)
	return nil
}
