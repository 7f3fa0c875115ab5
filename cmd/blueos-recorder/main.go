// Command blueos-recorder records every message on the vehicle bus into MCAP
// files while the vehicle is armed.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bluerobotics/blueos-recorder/internal/config"
	"github.com/bluerobotics/blueos-recorder/internal/logging"
)

var version = "dev"

func main() {
	// Create base logger with ComponentFilterHandler for dynamic log level control.
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := newRootCmd(logger, filterHandler)
	rootCmd.SetArgs(config.ExpandArgs(os.Args[1:], logger))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger, filter *logging.ComponentFilterHandler) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "blueos-recorder",
		Short:        "Record vehicle bus traffic into MCAP files while armed",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, logger)
			if err != nil {
				return err
			}
			if cfg.Verbose {
				filter.SetDefaultLevel(slog.LevelDebug)
			}
			levels, _ := cmd.Flags().GetStringArray("log-level")
			if err := applyLogLevels(filter, levels); err != nil {
				return err
			}
			if err := cfg.Validate(logger); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, logger, cfg, transports())
		},
	}

	f := rootCmd.Flags()
	f.BoolP("verbose", "v", false, "log at debug level")
	f.StringArray("log-level", nil, "per-component level override COMPONENT=LEVEL (repeatable)")
	f.String("config", "", "TOML configuration file")
	f.String("recorder-path", config.DefaultOutputDir, "directory that receives recordings")
	f.String("schema-path", "", "root of <package>/<name>.msg definitions (default: ./"+config.DefaultSchemaSubdir+")")
	f.String("control-topic", config.Default().ControlPattern, "regular expression selecting control topics")
	f.String("bus", config.DefaultTransport, "bus transport: "+strings.Join(transports().Names(), ", "))
	f.StringArray("bus-param", nil, "transport parameter KEY=VALUE (repeatable)")
	f.String("compression", config.Default().Compression, "chunk compression: zstd, lz4 or none (used with --chunk-size)")
	f.Int64("chunk-size", config.Default().ChunkSize, "compressed chunk size in bytes; 0 writes unchunked so every flush is durable")
	f.Duration("flush-interval", config.DefaultFlushInterval, "time between flushes of the open recording")
	f.Int("mailbox", config.Default().Mailbox, "capacity of the queue between the bus and the recorder")
	f.String("archive-bucket", "", "upload finalized recordings to this S3 bucket")
	f.String("archive-prefix", "", "object key prefix for uploads")
	f.String("archive-region", "", "S3 region")
	f.String("archive-endpoint", "", "S3-compatible endpoint (enables path-style addressing)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
	rootCmd.AddCommand(versionCmd)
	return rootCmd
}

// loadConfig layers defaults, the optional TOML file and explicitly set flags.
func loadConfig(cmd *cobra.Command, logger *slog.Logger) (config.Config, error) {
	cfg := config.Default()
	f := cmd.Flags()

	if path, _ := f.GetString("config"); path != "" {
		if err := config.LoadFile(path, &cfg); err != nil {
			return cfg, err
		}
		logger.Info("loaded config file", "path", path)
	}

	if f.Changed("verbose") {
		cfg.Verbose, _ = f.GetBool("verbose")
	}
	if f.Changed("recorder-path") {
		cfg.OutputDir, _ = f.GetString("recorder-path")
	}
	if f.Changed("schema-path") {
		dir, _ := f.GetString("schema-path")
		cfg.SetSchemaRoot(dir)
	}
	if f.Changed("control-topic") {
		cfg.ControlPattern, _ = f.GetString("control-topic")
	}
	if f.Changed("bus") {
		cfg.Bus.Transport, _ = f.GetString("bus")
	}
	if f.Changed("bus-param") {
		pairs, _ := f.GetStringArray("bus-param")
		for k, v := range config.ParseParams(pairs, logger) {
			cfg.Bus.Params[k] = v
		}
	}
	if f.Changed("compression") {
		cfg.Compression, _ = f.GetString("compression")
	}
	if f.Changed("chunk-size") {
		cfg.ChunkSize, _ = f.GetInt64("chunk-size")
	}
	if f.Changed("flush-interval") {
		cfg.FlushInterval, _ = f.GetDuration("flush-interval")
	}
	if f.Changed("mailbox") {
		cfg.Mailbox, _ = f.GetInt("mailbox")
	}
	if f.Changed("archive-bucket") {
		cfg.Archive.Bucket, _ = f.GetString("archive-bucket")
	}
	if f.Changed("archive-prefix") {
		cfg.Archive.Prefix, _ = f.GetString("archive-prefix")
	}
	if f.Changed("archive-region") {
		cfg.Archive.Region, _ = f.GetString("archive-region")
	}
	if f.Changed("archive-endpoint") {
		cfg.Archive.Endpoint, _ = f.GetString("archive-endpoint")
	}
	return cfg, nil
}

// applyLogLevels parses COMPONENT=LEVEL overrides into the filter.
func applyLogLevels(filter *logging.ComponentFilterHandler, specs []string) error {
	for _, spec := range specs {
		component, name, ok := strings.Cut(spec, "=")
		if !ok || component == "" {
			return fmt.Errorf("invalid --log-level %q, expected COMPONENT=LEVEL", spec)
		}
		var level slog.Level
		if err := level.UnmarshalText([]byte(name)); err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", spec, err)
		}
		filter.SetLevel(component, level)
	}
	return nil
}
