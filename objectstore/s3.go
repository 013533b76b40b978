package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/health"
)

// Config holds the S3-compatible target. An empty bucket disables the store.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// Client wraps the S3 API for log archival and health probing. A Client
// constructed from an empty config is a valid no-op.
type Client struct {
	s3     *s3.Client
	logger *zap.Logger
	bucket string
	prefix string
}

// New creates the archive client. A custom endpoint switches to path-style
// addressing for MinIO/LocalStack-style deployments.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	c := &Client{logger: logger, bucket: cfg.Bucket, prefix: cfg.Prefix}
	if cfg.Bucket == "" {
		return c, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	c.s3 = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return c, nil
}

// ArchiveLogs writes the terminal record's captured logs under
// <prefix><executionID>/logs.txt
func (c *Client) ArchiveLogs(ctx context.Context, executionID, logs string) error {
	return c.put(ctx, executionID+"/logs.txt", []byte(logs), "text/plain; charset=utf-8")
}

// ArchiveArtifacts writes the run's workspace artifacts under
// <prefix><executionID>/artifacts.tar.gz
func (c *Client) ArchiveArtifacts(ctx context.Context, executionID string, artifactsTar []byte) error {
	return c.put(ctx, executionID+"/artifacts.tar.gz", artifactsTar, "application/gzip")
}

func (c *Client) put(ctx context.Context, key string, data []byte, contentType string) error {
	if c.s3 == nil {
		return nil
	}
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(c.prefix + key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed for %s: %w", key, err)
	}
	return nil
}

// Name implements health.Probe
func (c *Client) Name() string { return "objectstore" }

// IsAvailable implements health.Probe
func (c *Client) IsAvailable() bool { return c.s3 != nil }

// HealthCheck implements health.Probe with a HeadBucket round trip
func (c *Client) HealthCheck(ctx context.Context) health.CheckResult {
	if c.s3 == nil {
		return health.CheckResult{Connected: false, Error: "not configured"}
	}
	start := time.Now()
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		return health.CheckResult{Connected: false, Error: err.Error()}
	}
	return health.CheckResult{Connected: true, LatencyMs: time.Since(start).Milliseconds()}
}
