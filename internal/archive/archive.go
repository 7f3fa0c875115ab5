// Package archive uploads finalized recordings to an S3-compatible bucket.
//
// The Uploader owns a bounded queue drained by a single goroutine, so the
// recording loop never waits on the network. When the queue is full the
// recording is left on local disk and a warning is logged.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bluerobotics/blueos-recorder/internal/logging"
)

// ContentType is attached to every uploaded object.
const ContentType = "application/x-mcap"

// Defaults applied by New.
const (
	DefaultQueue   = 16
	DefaultTimeout = 5 * time.Minute
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("archive uploader closed")

// ErrQueueFull is returned by Enqueue when the upload queue has no room.
var ErrQueueFull = errors.New("archive queue full")

// Putter is the subset of the S3 client the uploader needs.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config configures an Uploader.
type Config struct {
	Bucket string
	// Prefix is prepended to the file name with a '/'. Empty means the bucket root.
	Prefix string
	// Queue is the number of recordings that may wait for upload. Zero means DefaultQueue.
	Queue int
	// Timeout bounds a single upload. Zero means DefaultTimeout.
	Timeout time.Duration
	// Logger for upload results. If nil, logging is disabled.
	Logger *slog.Logger
}

// Uploader uploads queued recordings one at a time.
type Uploader struct {
	client  Putter
	bucket  string
	prefix  string
	timeout time.Duration

	mu     sync.Mutex
	queue  chan string
	closed bool

	logger *slog.Logger
}

// New creates an Uploader writing through client.
func New(cfg Config, client Putter) *Uploader {
	queue := cfg.Queue
	if queue <= 0 {
		queue = DefaultQueue
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Uploader{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		timeout: timeout,
		queue:   make(chan string, queue),
		logger:  logging.Default(cfg.Logger).With("component", "archive", "bucket", cfg.Bucket),
	}
}

// ClientOptions selects how the S3 client authenticates and where it connects.
type ClientOptions struct {
	Region string
	// Endpoint enables path-style addressing against an S3-compatible server
	// (MinIO and similar) when non-empty.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string //nolint:gosec // config field, not a hardcoded credential
}

// NewS3Client builds an S3 client from the default AWS configuration chain.
// Static keys, when both are set, take precedence over the chain.
func NewS3Client(ctx context.Context, opts ClientOptions) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(cfg, s3opts...), nil
}

// Key returns the object key for a local recording path.
func (u *Uploader) Key(localPath string) string {
	name := filepath.Base(localPath)
	if u.prefix == "" {
		return name
	}
	return path.Join(u.prefix, name)
}

// Enqueue schedules a finalized recording for upload without blocking.
func (u *Uploader) Enqueue(localPath string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}
	select {
	case u.queue <- localPath:
		return nil
	default:
		u.logger.Warn("archive queue full, recording kept locally only", "path", localPath)
		return ErrQueueFull
	}
}

// Close stops accepting recordings. Run returns once the queued ones are done.
func (u *Uploader) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.closed {
		u.closed = true
		close(u.queue)
	}
}

// Run uploads queued recordings until Close has been called and the queue is
// drained. Uploads outlive cancellation of ctx so that the last recording of
// a shutdown still reaches the bucket; each upload is bounded by the
// configured timeout instead.
func (u *Uploader) Run(ctx context.Context) error {
	base := context.WithoutCancel(ctx)
	u.logger.Info("archive uploader started", "prefix", u.prefix)
	for p := range u.queue {
		uctx, cancel := context.WithTimeout(base, u.timeout)
		if err := u.upload(uctx, p); err != nil {
			u.logger.Error("archive upload failed", "path", p, "error", err)
		}
		cancel()
	}
	u.logger.Info("archive uploader stopped")
	return nil
}

func (u *Uploader) upload(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat recording: %w", err)
	}

	key := u.Key(localPath)
	start := time.Now()
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(ContentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	u.logger.Info("recording archived",
		"path", localPath,
		"key", key,
		"bytes", info.Size(),
		"duration", time.Since(start),
	)
	return nil
}
