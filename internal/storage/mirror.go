package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Mirror replicates still captures to a secondary store. Uploads are best
// effort; a down mirror never blocks or fails a capture.
type Mirror interface {
	SaveStill(ctx context.Context, name string, data []byte) error
}

// MinioMirror pushes stills to an S3-compatible bucket.
type MinioMirror struct {
	client *minio.Client
	bucket string
	log    *slog.Logger
}

// NewMinioMirror connects to the endpoint and creates the bucket when it does
// not exist yet.
func NewMinioMirror(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool, log *slog.Logger) (*MinioMirror, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	bctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.MakeBucket(bctx, bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := cli.BucketExists(bctx, bucket)
		if checkErr != nil || !exists {
			return nil, fmt.Errorf("create or check bucket %s: %w", bucket, err)
		}
	}

	log.Info("still mirror connected", "endpoint", endpoint, "bucket", bucket)
	return &MinioMirror{client: cli, bucket: bucket, log: log}, nil
}

// SaveStill uploads one captured frame under its artifact name.
func (m *MinioMirror) SaveStill(ctx context.Context, name string, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "image/jpeg"})
	if err != nil {
		return fmt.Errorf("mirror %s: %w", name, err)
	}
	return nil
}
