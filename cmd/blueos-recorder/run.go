package main

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/bluerobotics/blueos-recorder/internal/archive"
	"github.com/bluerobotics/blueos-recorder/internal/bus"
	"github.com/bluerobotics/blueos-recorder/internal/bus/chatterbox"
	"github.com/bluerobotics/blueos-recorder/internal/bus/kafka"
	"github.com/bluerobotics/blueos-recorder/internal/bus/mqtt"
	natsbus "github.com/bluerobotics/blueos-recorder/internal/bus/nats"
	"github.com/bluerobotics/blueos-recorder/internal/config"
	"github.com/bluerobotics/blueos-recorder/internal/container"
	"github.com/bluerobotics/blueos-recorder/internal/recorder"
)

// transports returns the bus transports selectable with --bus.
func transports() bus.Registry {
	return bus.Registry{
		"nats":       natsbus.NewFactory(),
		"kafka":      kafka.NewFactory(),
		"mqtt":       mqtt.NewFactory(),
		"chatterbox": chatterbox.NewSubscriber,
	}
}

// run wires the subscriber, the recorder and the optional archiver and blocks
// until ctx is cancelled, the bus session ends, or a fatal error occurs.
func run(ctx context.Context, logger *slog.Logger, cfg config.Config, registry bus.Registry) error {
	sub, err := registry.New(cfg.Bus.Transport, cfg.Bus.Params, logger)
	if err != nil {
		return err
	}

	var uploader *archive.Uploader
	if cfg.Archive.Enabled() {
		client, err := archive.NewS3Client(ctx, archive.ClientOptions{
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		uploader = archive.New(archive.Config{
			Bucket: cfg.Archive.Bucket,
			Prefix: cfg.Archive.Prefix,
			Logger: logger,
		}, client)
	}

	rcfg := recorder.Config{
		OutputDir:      cfg.OutputDir,
		SchemaRoot:     cfg.SchemaRoot,
		ControlPattern: cfg.ControlPattern,
		Container: container.Options{
			Compression: cfg.Compression,
			ChunkSize:   cfg.ChunkSize,
			Library:     "blueos-recorder/" + version,
		},
		FlushInterval: cfg.FlushInterval,
		Logger:        logger,
	}
	if uploader != nil {
		rcfg.Archiver = uploader
	}
	rec, err := recorder.New(rcfg)
	if err != nil {
		return err
	}

	logger.Info("starting",
		"version", version,
		"bus", cfg.Bus.Transport,
		"recorder_path", cfg.OutputDir,
		"schema_path", cfg.SchemaRoot,
		"archive", cfg.Archive.Enabled(),
	)

	mailbox := make(chan bus.Message, cfg.Mailbox)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(mailbox)
		if err := sub.Run(gctx, mailbox); err != nil {
			return fmt.Errorf("bus %s: %w", cfg.Bus.Transport, err)
		}
		return nil
	})

	g.Go(func() error {
		if uploader != nil {
			defer uploader.Close()
		}
		return rec.Run(gctx, mailbox)
	})

	if uploader != nil {
		g.Go(func() error {
			return uploader.Run(gctx)
		})
	}

	err = g.Wait()
	st := rec.Stats()
	logger.Info("stopped",
		"received", st.Received,
		"recorded", st.Recorded,
		"dropped", st.Dropped,
		"sessions", st.Sessions,
	)
	return err
}
