package outputs

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"imagebatch/internal/models"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Location  string
	UseSSL    bool
}

type Minio struct {
	config MinioConfig
	client *minio.Client
}

var _ Storage = (*Minio)(nil)

func NewMinio(ctx context.Context, config MinioConfig) (*Minio, error) {
	const op = "outputs.NewMinio"

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Location}); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	return &Minio{config: config, client: client}, nil
}

func (m *Minio) Prepare(ctx context.Context, requestID string) error {
	const op = "outputs.Minio.Prepare"

	exists, err := m.client.BucketExists(ctx, m.config.Bucket)
	if err != nil {
		return models.NewError(models.KindWorkspaceFailure, op, err)
	}
	if !exists {
		return models.NewError(models.KindWorkspaceFailure, op, fmt.Errorf("bucket %q does not exist", m.config.Bucket))
	}
	return nil
}

func (m *Minio) Put(ctx context.Context, requestID string, productIndex, imageIndex int, data []byte) (string, error) {
	const op = "outputs.Minio.Put"

	key := ObjectKey(requestID, productIndex, imageIndex)
	_, err := m.client.PutObject(
		ctx,
		m.config.Bucket,
		key,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: ContentType},
	)
	if err != nil {
		return "", models.NewError(models.KindWriteFailure, op, err)
	}
	return fmt.Sprintf("s3://%s/%s", m.config.Bucket, key), nil
}
