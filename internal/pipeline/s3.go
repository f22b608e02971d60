package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"

	"github.com/modelrelay/dispatch/pkg/types"
)

// S3Config contains configuration for the S3 archive sink.
type S3Config struct {
	BucketName    string
	Region        string
	AccessKeyID   string // optional, default credential chain when empty
	SecretKey     string
	Endpoint      string // custom endpoint for MinIO-style stores
	PathPrefix    string
	FlushInterval time.Duration
	BatchSize     int
	Compression   bool
}

// S3Sink archives snapshots to object storage. Snapshots are batched in
// memory and flushed as JSON lines on a timer or when the batch fills.
type S3Sink struct {
	config S3Config
	client *s3.Client
	logger *slog.Logger

	mu    sync.Mutex
	batch []*types.Snapshot

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewS3Sink creates an S3Sink and starts its background flush loop.
func NewS3Sink(cfg S3Config, logger *slog.Logger) (*S3Sink, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("s3: bucket name is required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	sink := &S3Sink{
		config: cfg,
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		logger: logger,
		batch:  make([]*types.Snapshot, 0, cfg.BatchSize),
		stopCh: make(chan struct{}),
	}
	sink.wg.Add(1)
	go sink.flushLoop()
	return sink, nil
}

// Name implements Handler.
func (s *S3Sink) Name() string { return "s3" }

// Handle implements Handler.
func (s *S3Sink) Handle(ctx context.Context, snap *types.Snapshot) error {
	s.mu.Lock()
	s.batch = append(s.batch, snap)
	full := len(s.batch) >= s.config.BatchSize
	s.mu.Unlock()

	if full {
		s.flush(ctx)
	}
	return nil
}

// Close flushes the pending batch and stops the background loop.
func (s *S3Sink) Close() {
	close(s.stopCh)
	s.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.flush(ctx)
}

func (s *S3Sink) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			s.flush(ctx)
			cancel()
		case <-s.stopCh:
			return
		}
	}
}

func (s *S3Sink) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.batch
	s.batch = make([]*types.Snapshot, 0, s.config.BatchSize)
	s.mu.Unlock()

	body, key, err := s.encode(batch)
	if err != nil {
		s.logger.Error("s3 sink encode failed", "error", err, "count", len(batch))
		return
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.config.BucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if s.config.Compression {
		input.ContentEncoding = aws.String("gzip")
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		s.logger.Error("s3 sink upload failed", "error", err, "key", key, "count", len(batch))
		return
	}
	s.logger.Debug("s3 sink flushed", "key", key, "count", len(batch))
}

// encode renders the batch as newline-delimited JSON, gzipped when
// compression is on, and returns a time-partitioned object key.
func (s *S3Sink) encode(batch []*types.Snapshot) ([]byte, string, error) {
	var buf bytes.Buffer
	for _, snap := range batch {
		line, err := json.Marshal(snap)
		if err != nil {
			return nil, "", fmt.Errorf("marshal snapshot %s: %w", snap.RequestID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	now := time.Now().UTC()
	name := fmt.Sprintf("%s.jsonl", now.Format("20060102T150405.000000000"))
	key := path.Join(s.config.PathPrefix, now.Format("2006/01/02"), name)

	if !s.config.Compression {
		return buf.Bytes(), key, nil
	}

	var gzBuf bytes.Buffer
	gz := gzip.NewWriter(&gzBuf)
	if _, err := gz.Write(buf.Bytes()); err != nil {
		return nil, "", fmt.Errorf("gzip batch: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, "", fmt.Errorf("gzip batch: %w", err)
	}
	return gzBuf.Bytes(), key + ".gz", nil
}
