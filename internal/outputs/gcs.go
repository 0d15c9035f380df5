package outputs

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"

	"imagebatch/internal/models"
)

type GCS struct {
	client *storage.Client
	bucket string
}

var _ Storage = (*GCS)(nil)

func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	const op = "outputs.NewGCS"

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create Storage client: %w", op, err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) Prepare(ctx context.Context, requestID string) error {
	const op = "outputs.GCS.Prepare"

	if _, err := g.client.Bucket(g.bucket).Attrs(ctx); err != nil {
		return models.NewError(models.KindWorkspaceFailure, op, err)
	}
	return nil
}

// Put writes without preconditions: a re-run replaces the previous object.
func (g *GCS) Put(ctx context.Context, requestID string, productIndex, imageIndex int, data []byte) (string, error) {
	const op = "outputs.GCS.Put"

	key := ObjectKey(requestID, productIndex, imageIndex)
	writer := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	writer.ContentType = ContentType

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return "", models.NewError(models.KindWriteFailure, op, err)
	}
	if err := writer.Close(); err != nil {
		return "", models.NewError(models.KindWriteFailure, op, fmt.Errorf("failed to finalize GCS write: %w", err))
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, key), nil
}
