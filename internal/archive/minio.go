// Package archive writes raw provider payloads to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type MinioArchive struct {
	client *minio.Client
	bucket string
}

func NewMinioArchive(cfg MinioConfig) (*MinioArchive, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioArchive{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the archive bucket when it does not exist yet.
func (a *MinioArchive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// PutJSON stores payload under name with a JSON content type.
func (a *MinioArchive) PutJSON(ctx context.Context, name string, payload []byte) error {
	_, err := a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", name, err)
	}
	return nil
}

// Get reads an archived object back.
func (a *MinioArchive) Get(ctx context.Context, name string) ([]byte, error) {
	object, err := a.client.GetObject(ctx, a.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", name, err)
	}
	defer object.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(object); err != nil {
		return nil, fmt.Errorf("read object %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// ObjectName builds "<job>/<runStart>.json" with a sortable UTC timestamp.
func ObjectName(job string, runStart time.Time) string {
	return job + "/" + runStart.UTC().Format("20060102T150405.000Z") + ".json"
}
