package sink

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hervehildenbrand/bgp-features/pkg/aggregate"
)

// S3Config holds configuration for S3 uploads.
type S3Config struct {
	Bucket string
	// Prefix is prepended to object keys, e.g. "bgp/features".
	Prefix string
	Region string
	// Endpoint is an optional custom endpoint (for MinIO, LocalStack, etc.).
	Endpoint string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
}

// ObjectPutter is the part of the S3 client used by S3Sink.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads the Parquet files of a ParquetSink. It must run after
// the ParquetSink in a Multi.
type S3Sink struct {
	client     ObjectPutter
	files      *ParquetSink
	cfg        S3Config
	maxRetries int
}

// NewS3Sink creates an S3 client from the default AWS configuration chain.
func NewS3Sink(ctx context.Context, files *ParquetSink, cfg S3Config) (*S3Sink, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewS3SinkWithClient(s3.NewFromConfig(awsCfg, s3Opts...), files, cfg), nil
}

// NewS3SinkWithClient creates a sink with a pre-configured client.
func NewS3SinkWithClient(client ObjectPutter, files *ParquetSink, cfg S3Config) *S3Sink {
	return &S3Sink{client: client, files: files, cfg: cfg, maxRetries: 3}
}

// Name implements Sink.
func (s *S3Sink) Name() string {
	return "s3"
}

// ObjectKey returns the object key of a table, <prefix>/<day>/<file>.
func (s *S3Sink) ObjectKey(meta TableMeta, keyspace string) string {
	return path.Join(s.cfg.Prefix, meta.DayString(), FileName(meta, keyspace))
}

// Write implements Sink by uploading the file the ParquetSink wrote for table.
func (s *S3Sink) Write(ctx context.Context, meta TableMeta, table *aggregate.Table) error {
	localPath := s.files.Path(meta, table.Keyspace)
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer file.Close()

	key := s.ObjectKey(meta, table.Keyspace)
	err = s.retryWithBackoff(ctx, func() error {
		// Reset file position for retry
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
			Body:   file,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", s.cfg.Bucket, key, err)
	}

	log.Printf("[s3] Uploaded %s to s3://%s/%s", localPath, s.cfg.Bucket, key)
	return nil
}

func (s *S3Sink) retryWithBackoff(ctx context.Context, op func() error) error {
	var lastErr error
	delay := 100 * time.Millisecond
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if lastErr = op(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
