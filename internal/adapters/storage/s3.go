package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"tg-media-vault/internal/domain"
	"tg-media-vault/internal/infra/metrics"
)

// S3BlobStore реализует domain.BlobStore поверх S3-совместимого хранилища.
// Ключ детерминирован (file_unique_ref + расширение), поэтому повторная
// загрузка того же файла — естественный upsert.
type S3BlobStore struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

var _ domain.BlobStore = (*S3BlobStore)(nil)

// Config описывает параметры хранилища.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	PublicURL string
}

// NewS3BlobStore создаёт хранилище.
func NewS3BlobStore(ctx context.Context, cfg Config) (*S3BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is empty")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	publicURL := strings.TrimRight(cfg.PublicURL, "/")
	if publicURL == "" {
		publicURL = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	}
	return &S3BlobStore{client: client, bucket: cfg.Bucket, publicURL: publicURL}, nil
}

// Put загружает содержимое под ключом и возвращает публичный URL.
func (s *S3BlobStore) Put(ctx context.Context, key string, data []byte, mimeType string) (string, error) {
	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mimeType),
	})
	metrics.ObserveNetworkRequest("s3", "put_object", s.bucket, start, err)
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return s.publicURL + "/" + key, nil
}

// Lookup проверяет наличие объекта и возвращает его публичный URL.
func (s *S3BlobStore) Lookup(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	metrics.ObserveNetworkRequest("s3", "head_object", s.bucket, start, err)
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return "", false, nil
		}
		return "", false, fmt.Errorf("s3 head %s: %w", key, err)
	}
	return s.publicURL + "/" + key, true, nil
}
