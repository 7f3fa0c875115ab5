// Package config holds the recorder's runtime configuration.
//
// A Config is built once in main from defaults, an optional TOML file and
// command-line flags (in increasing precedence), validated, and passed down
// explicitly. Nothing here is global.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bluerobotics/blueos-recorder/internal/bus"
	"github.com/bluerobotics/blueos-recorder/internal/container"
	"github.com/bluerobotics/blueos-recorder/internal/logging"
	"github.com/bluerobotics/blueos-recorder/internal/trigger"
)

// Defaults.
const (
	DefaultOutputDir     = "/tmp"
	DefaultTransport     = "nats"
	DefaultFlushInterval = 30 * time.Second
)

// DefaultSchemaSubdir is joined to the working directory when no schema root is given.
var DefaultSchemaSubdir = filepath.Join("src", "external", "zBlueberry", "msgs")

// ErrInvalidDir is returned when a configured directory is missing or is not a directory.
var ErrInvalidDir = errors.New("invalid directory")

// Config is the complete recorder configuration.
type Config struct {
	// OutputDir receives the recordings.
	OutputDir string `toml:"recorder_path"`
	// SchemaRoot holds `<pkg>/<name>.msg` definitions. Empty selects
	// <cwd>/DefaultSchemaSubdir.
	SchemaRoot string `toml:"schema_path"`
	// ControlPattern selects the control topics.
	ControlPattern string `toml:"control_topic"`
	Verbose        bool   `toml:"verbose"`

	// Compression applies to chunks; it has no effect while ChunkSize is 0.
	Compression   string        `toml:"compression"`
	// ChunkSize enables compressed chunks when positive. Records in an
	// unfinished chunk survive a flush only once the chunk fills.
	ChunkSize     int64         `toml:"chunk_size"`
	FlushInterval time.Duration `toml:"flush_interval"`
	Mailbox       int           `toml:"mailbox"`

	Bus     Bus     `toml:"bus"`
	Archive Archive `toml:"archive"`

	// schemaRootExplicit records whether SchemaRoot came from the user.
	schemaRootExplicit bool
}

// Bus selects the transport and its parameters.
type Bus struct {
	Transport string            `toml:"transport"`
	Params    map[string]string `toml:"params"`
}

// Archive configures optional upload of finalized recordings.
type Archive struct {
	Bucket          string `toml:"bucket"`
	Prefix          string `toml:"prefix"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"` //nolint:gosec // config field, not a hardcoded credential
}

// Enabled reports whether uploads are configured.
func (a Archive) Enabled() bool { return a.Bucket != "" }

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		OutputDir:      DefaultOutputDir,
		ControlPattern: trigger.DefaultPattern,
		Compression:    container.CompressionZstd,
		FlushInterval:  DefaultFlushInterval,
		Mailbox:        bus.DefaultMailbox,
		Bus: Bus{
			Transport: DefaultTransport,
			Params:    map[string]string{},
		},
	}
}

// LoadFile overlays the TOML file at path onto cfg. Keys the file sets
// replace the current values; unknown keys are an error.
func LoadFile(path string, cfg *Config) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("load config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if meta.IsDefined("schema_path") {
		cfg.schemaRootExplicit = true
	}
	if cfg.Bus.Params == nil {
		cfg.Bus.Params = map[string]string{}
	}
	return nil
}

// SetSchemaRoot sets an explicitly requested schema root.
func (c *Config) SetSchemaRoot(dir string) {
	c.SchemaRoot = dir
	c.schemaRootExplicit = true
}

// Validate checks values and resolves directories in place.
//
// OutputDir must exist. An explicit SchemaRoot must exist too; the default
// one only produces a warning when absent, since recordings without CDR
// streams never read it.
func (c *Config) Validate(logger *slog.Logger) error {
	logger = logging.Default(logger).With("component", "config")
	out, err := ResolveDir(c.OutputDir, logger)
	if err != nil {
		return fmt.Errorf("recorder path: %w", err)
	}
	c.OutputDir = out

	if c.SchemaRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("schema path: %w", err)
		}
		c.SchemaRoot = filepath.Join(cwd, DefaultSchemaSubdir)
	}
	root, err := ResolveDir(c.SchemaRoot, logger)
	switch {
	case err == nil:
		c.SchemaRoot = root
	case c.schemaRootExplicit:
		return fmt.Errorf("schema path: %w", err)
	default:
		logger.Warn("default schema path unavailable, CDR streams will be dropped", "path", c.SchemaRoot, "error", err)
	}

	if err := container.CheckCompression(c.Compression); err != nil {
		return err
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %v", c.FlushInterval)
	}
	if c.Mailbox <= 0 {
		return fmt.Errorf("mailbox must be positive, got %d", c.Mailbox)
	}
	if c.Bus.Transport == "" {
		return errors.New("bus transport is required")
	}
	return nil
}

// ResolveDir makes dir absolute and clean, follows symlinks when it can, and
// requires the result to be an existing directory.
func ResolveDir(dir string, logger *slog.Logger) (string, error) {
	logger = logging.Default(logger)
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrInvalidDir, dir, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Warn("could not resolve symlinks", "path", abs, "error", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrInvalidDir, abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w %q: not a directory", ErrInvalidDir, abs)
	}
	return abs, nil
}
