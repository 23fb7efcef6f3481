package objectclient

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	cfg "github.com/markdave123-py/pdfrag/internal/config"
	"github.com/markdave123-py/pdfrag/internal/core"
	"github.com/markdave123-py/pdfrag/internal/logger"
)

type MinioClient struct {
	client   *minio.Client
	endpoint string
	secure   bool
	log      logger.Logger
}

// NewMinioClient connects to an S3-compatible MinIO endpoint and creates the
// configured bucket when missing.
func NewMinioClient(ctx context.Context, cfg *cfg.Config, log logger.Logger) (core.ObjectClient, error) {
	if cfg.MinioEndpoint == "" {
		return nil, fmt.Errorf("MINIO_ENDPOINT not set")
	}
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Info("minio bucket created", logger.String("bucket", cfg.BucketName))
	}

	return &MinioClient{client: client, endpoint: cfg.MinioEndpoint, secure: cfg.MinioUseSSL, log: log}, nil
}

func (m *MinioClient) UploadFile(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	_, err := m.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		m.log.Error("minio upload failed", logger.String("bucket", bucket), logger.String("key", key), logger.Error(err))
		return "", fmt.Errorf("minio upload failed: %w", err)
	}
	scheme := "http"
	if m.secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, m.endpoint, bucket, escapeKey(key)), nil
}

func (m *MinioClient) DeleteFile(ctx context.Context, bucket, key string) error {
	if err := m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("minio delete failed: %w", err)
	}
	return nil
}

func (m *MinioClient) GetFile(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio get failed: %w", err)
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: object %s/%s", core.ErrNotFound, bucket, key)
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	return body, nil
}
