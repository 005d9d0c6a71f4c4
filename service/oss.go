package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ltx2-video-server/config"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const (
	defaultURLExpiry = 24 * time.Hour
	awsEndpoint      = "s3.amazonaws.com"
)

var ErrStorageDisabled = errors.New("object storage is not configured")

// ArtifactStore publishes a rendered file and returns the URL handed back to callers.
type ArtifactStore interface {
	UploadFile(ctx context.Context, localPath, key string) (string, error)
}

// Storage is an S3 compatible bucket.
type Storage struct {
	client *minio.Client
	bucket string
	region string
	// publicBase is set for custom endpoints, empty for AWS.
	publicBase string
	presign    bool
	expiry     time.Duration
	log        *zap.Logger

	bucketMu    sync.Mutex
	bucketReady bool
}

// NewStorage builds the client without touching the network; the bucket is checked on
// first upload.
func NewStorage(cfg config.MinIOConfig, log *zap.Logger) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: %w: bucket name required", ErrStorageDisabled)
	}
	host, secure, publicBase, err := parseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	expiry := time.Duration(cfg.ExpiryHours) * time.Hour
	if expiry <= 0 {
		expiry = defaultURLExpiry
	}
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("s3 storage initialized", zap.String("bucket", cfg.Bucket), zap.String("endpoint", host))
	return &Storage{
		client:     client,
		bucket:     cfg.Bucket,
		region:     cfg.Region,
		publicBase: publicBase,
		presign:    cfg.Presign,
		expiry:     expiry,
		log:        log,
	}, nil
}

// NewArtifactStore returns the configured bucket, or an InlineStore when no bucket is set.
func NewArtifactStore(cfg *config.Config, log *zap.Logger) (ArtifactStore, error) {
	if !cfg.StorageEnabled() {
		log.Warn("s3 not configured, videos will be returned inline")
		return InlineStore{}, nil
	}
	return NewStorage(cfg.MinIO, log)
}

// parseEndpoint accepts a bare host[:port] or a full URL. An explicit scheme wins over
// useSSL.
func parseEndpoint(endpoint string, useSSL bool) (host string, secure bool, publicBase string, err error) {
	if endpoint == "" {
		return awsEndpoint, true, "", nil
	}
	if !strings.Contains(endpoint, "://") {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		endpoint = scheme + "://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, "", fmt.Errorf("parse s3 endpoint: %w", err)
	}
	if u.Host == "" {
		return "", false, "", fmt.Errorf("parse s3 endpoint %q: missing host", endpoint)
	}
	secure = u.Scheme == "https"
	return u.Host, secure, u.Scheme + "://" + u.Host, nil
}

func (s *Storage) ensureBucket(ctx context.Context) error {
	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()
	if s.bucketReady {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		s.log.Info("bucket created", zap.String("bucket", s.bucket))
	}
	s.bucketReady = true
	return nil
}

// UploadFile puts localPath at key and returns its URL.
func (s *Storage) UploadFile(ctx context.Context, localPath, key string) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	contentType := ContentType(localPath)
	info, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	s.log.Info("file uploaded",
		zap.String("key", key),
		zap.String("content_type", contentType),
		zap.String("size", humanize.Bytes(uint64(info.Size))),
	)
	return s.URL(ctx, key)
}

// URL is a presigned GET link, or the public URL when presigning is off.
func (s *Storage) URL(ctx context.Context, key string) (string, error) {
	if !s.presign {
		return s.PublicURL(key), nil
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

func (s *Storage) PublicURL(key string) string {
	if s.publicBase != "" {
		return fmt.Sprintf("%s/%s/%s", s.publicBase, s.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

func (s *Storage) DownloadFile(ctx context.Context, key, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	if err := s.client.FGetObject(ctx, s.bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	s.log.Info("file downloaded", zap.String("key", key), zap.String("path", localPath))
	return nil
}

func (s *Storage) DeleteFile(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	s.log.Info("file deleted", zap.String("key", key))
	return nil
}

func (s *Storage) FileExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", key, err)
}

// InlineStore returns the artifact as a base64 data URI.
type InlineStore struct{}

func (InlineStore) UploadFile(_ context.Context, localPath, _ string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	return "data:" + ContentType(localPath) + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".json": "application/json",
	".txt":  "text/plain",
}

// ContentType maps known extensions and sniffs the rest.
func ContentType(path string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return ct
	}
	if mt, err := mimetype.DetectFile(path); err == nil {
		return mt.String()
	}
	return "application/octet-stream"
}
