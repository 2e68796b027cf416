// Package snapshot uploads local database backups to S3-compatible storage
// and generates pre-signed download URLs. When no bucket is configured the
// NoopUploader is used and backups stay on the device.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/possync/internal/config"
)

// ErrNotConfigured is returned when backup storage is not configured.
var ErrNotConfigured = errors.New("backup storage not configured")

// Uploader uploads backups and generates pre-signed download URLs.
type Uploader interface {
	// Upload uploads the backup file at filePath under key.
	Upload(ctx context.Context, key string, filePath string) error

	// PresignedURL returns a pre-signed URL for downloading the object at key.
	// Returns ErrNotConfigured when storage is not configured.
	PresignedURL(ctx context.Context, key string) (url string, expiry time.Time, err error)
}

// BackupContentType is the media type backups are stored with.
const BackupContentType = "application/vnd.sqlite3"

// s3Client is the subset of object storage calls S3Uploader makes.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath, contentType string) error
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
}

// minioClient narrows *minio.Client to s3Client.
type minioClient struct {
	client *minio.Client
}

func (m minioClient) FPutObject(ctx context.Context, bucket, objectName, filePath, contentType string) error {
	_, err := m.client.FPutObject(ctx, bucket, objectName, filePath, minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (m minioClient) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return m.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
}

// S3Uploader uploads backups to S3-compatible storage.
type S3Uploader struct {
	client    s3Client
	bucket    string
	urlExpiry time.Duration
	now       func() time.Time
}

// Upload uploads the backup file at filePath under key.
func (u *S3Uploader) Upload(ctx context.Context, key string, filePath string) error {
	if err := u.client.FPutObject(ctx, u.bucket, key, filePath, BackupContentType); err != nil {
		return fmt.Errorf("upload %s to %s: %w", key, u.bucket, err)
	}
	return nil
}

// PresignedURL returns a pre-signed GET URL for the object at key.
func (u *S3Uploader) PresignedURL(ctx context.Context, key string) (string, time.Time, error) {
	issued := u.now()
	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, key, u.urlExpiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presign %s: %w", key, err)
	}
	return presigned.String(), issued.Add(u.urlExpiry), nil
}

// NoopUploader is used when backup storage is not configured.
type NoopUploader struct{}

// Upload does nothing.
func (u *NoopUploader) Upload(ctx context.Context, key string, filePath string) error {
	return nil
}

// PresignedURL returns ErrNotConfigured.
func (u *NoopUploader) PresignedURL(ctx context.Context, key string) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// NewUploader returns a NoopUploader when the bucket is empty, an
// S3Uploader otherwise.
func NewUploader(cfg config.BackupConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	endpoint := stripScheme(cfg.Endpoint, &useSSL)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client:    minioClient{client: client},
		bucket:    cfg.Bucket,
		urlExpiry: time.Duration(cfg.URLExpiry),
		now:       time.Now,
	}, nil
}

// ObjectKeyTimeLayout is the timestamp layout used in backup object keys.
const ObjectKeyTimeLayout = "20060102T150405Z"

// ObjectKey returns the object key of a device backup taken at t.
// Convention: {device_id}/backup/{timestamp}.db
func ObjectKey(deviceID string, t time.Time) string {
	return deviceID + "/backup/" + t.UTC().Format(ObjectKeyTimeLayout) + ".db"
}

// stripScheme removes an http:// or https:// prefix from endpoint, which
// minio expects as a bare host, and lets the scheme decide useSSL.
func stripScheme(endpoint string, useSSL *bool) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		*useSSL = true
		return strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		*useSSL = false
		return strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}
