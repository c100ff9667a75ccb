package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"kiln/internal/backend"
)

// S3Config addresses an S3-compatible bucket.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Validate reports missing connection settings.
func (c S3Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("s3 endpoint is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("s3 bucket is required")
	}
	return nil
}

// S3Sink uploads artifacts to an object store.
type S3Sink struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Sink connects a minio client for cfg.
func NewS3Sink(cfg S3Config) (*S3Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return NewS3SinkWithClient(client, cfg.Bucket, cfg.Prefix)
}

// NewS3SinkWithClient wraps an existing client.
func NewS3SinkWithClient(client *minio.Client, bucket, prefix string) (*S3Sink, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	return &S3Sink{
		client: client,
		bucket: strings.TrimSpace(bucket),
		prefix: strings.Trim(strings.TrimSpace(prefix), "/"),
	}, nil
}

// BucketExists reports whether the configured bucket is present.
func (s *S3Sink) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.bucket)
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3Sink) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.BucketExists(ctx)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Store uploads the artifact and returns an s3:// URI.
func (s *S3Sink) Store(ctx context.Context, runKey, unitID, stage string, artifact backend.Artifact) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("s3 sink not initialized")
	}
	if len(artifact.Data) == 0 {
		return "", errors.New("artifact is empty")
	}
	key := s.key(runKey, unitID, stage, artifact.ContentType)
	opts := minio.PutObjectOptions{ContentType: artifact.ContentType}
	if artifact.Model != "" {
		opts.UserMetadata = map[string]string{"model": artifact.Model}
	}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(artifact.Data), int64(len(artifact.Data)), opts); err != nil {
		return "", fmt.Errorf("upload artifact %s: %w", key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

func (s *S3Sink) key(runKey, unitID, stage, contentType string) string {
	key := ObjectKey(runKey, unitID, stage, contentType)
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
