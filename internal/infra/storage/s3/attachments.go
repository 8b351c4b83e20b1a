package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"dealroom/internal/app/policies"
)

var (
	ErrMissingReader = errors.New("s3: reader is required")
	ErrMissingKey    = errors.New("s3: object key is required")
)

// AttachmentStore puts file message content into an S3-compatible bucket.
// Objects stay private; the returned reference is s3://bucket/key.
type AttachmentStore struct {
	bucket string
	client *minio.Client
	logger *slog.Logger

	bucketOnce sync.Once
	bucketErr  error
}

func NewAttachmentStore(endpoint string, useSSL bool, accessKey, secretKey, bucket string, logger *slog.Logger) (*AttachmentStore, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("s3: endpoint is required")
	}
	if bucket = strings.TrimSpace(bucket); bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	client, err := minio.New(hostOf(endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(accessKey), strings.TrimSpace(secretKey), ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AttachmentStore{bucket: bucket, client: client, logger: logger}, nil
}

func (s *AttachmentStore) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	if reader == nil {
		return "", ErrMissingReader
	}
	key = cleanKey(key)
	if key == "" {
		return "", ErrMissingKey
	}
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if size <= 0 {
		size = -1
	}
	info, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("s3: put object: %w", err)
	}
	ref := s.ref(key)
	s.logger.Info("attachment stored", "bucket", s.bucket, "key", key, "size", info.Size)
	return ref, nil
}

// Ping backs the readiness check.
func (s *AttachmentStore) Ping(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("s3: check bucket: %w", err)
	}
	return nil
}

func (s *AttachmentStore) ensureBucket(ctx context.Context) error {
	s.bucketOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.bucketErr = fmt.Errorf("s3: check bucket: %w", err)
			return
		}
		if exists {
			return
		}
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			s.bucketErr = fmt.Errorf("s3: create bucket: %w", err)
		}
	})
	return s.bucketErr
}

func (s *AttachmentStore) ref(key string) string {
	return "s3://" + s.bucket + "/" + key
}

func cleanKey(key string) string {
	return strings.Trim(strings.TrimSpace(key), "/")
}

func hostOf(endpoint string) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return endpoint
}

var _ policies.AttachmentStore = (*AttachmentStore)(nil)
