package publish

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/tags"
)

// ObjectStore is a content-addressed blob store.
type ObjectStore interface {
	// Add stores data and returns its content address.
	Add(ctx context.Context, data []byte) (string, error)
	// Pin marks the object at addr as retained.
	Pin(ctx context.Context, addr string) error
}

// ContentAddress is the hex SHA-256 of data.
func ContentAddress(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MinioConfig holds the S3 compatible endpoint settings.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
}

// MinioStore implements ObjectStore on an S3 compatible bucket. Objects are
// keyed by content address; pinning sets the object tag pinned=true.
type MinioStore struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinioStore creates a store client. It does not contact the endpoint.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (m *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", m.bucket, err)
	}
	return nil
}

// Add uploads data under its content address.
func (m *MinioStore) Add(ctx context.Context, data []byte) (string, error) {
	addr := ContentAddress(data)
	_, err := m.client.PutObject(ctx, m.bucket, addr, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", addr, err)
	}
	return addr, nil
}

// Pin tags the object as pinned.
func (m *MinioStore) Pin(ctx context.Context, addr string) error {
	t, err := tags.NewTags(map[string]string{"pinned": "true"}, true)
	if err != nil {
		return err
	}
	if err := m.client.PutObjectTagging(ctx, m.bucket, addr, t, minio.PutObjectTaggingOptions{}); err != nil {
		return fmt.Errorf("pin %s: %w", addr, err)
	}
	return nil
}

// Pinned reports whether the object at addr carries the pin tag.
func (m *MinioStore) Pinned(ctx context.Context, addr string) (bool, error) {
	t, err := m.client.GetObjectTagging(ctx, m.bucket, addr, minio.GetObjectTaggingOptions{})
	if err != nil {
		return false, err
	}
	return t.ToMap()["pinned"] == "true", nil
}
