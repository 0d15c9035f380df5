package outputs

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	storage "github.com/supabase-community/storage-go"

	"imagebatch/internal/models"
)

type Supabase struct {
	client  *storage.Client
	bucket  string
	baseURL string
}

var _ Storage = (*Supabase)(nil)

func NewSupabase(supabaseURL, serviceKey, bucket string) *Supabase {
	baseURL := strings.TrimRight(supabaseURL, "/")
	return &Supabase{
		client:  storage.NewClient(baseURL+"/storage/v1", serviceKey, nil),
		bucket:  bucket,
		baseURL: baseURL,
	}
}

// Prepare checks that the bucket exists. Keys are already partitioned by
// request id, so there is nothing to create.
func (s *Supabase) Prepare(ctx context.Context, requestID string) error {
	const op = "outputs.Supabase.Prepare"

	if _, err := s.client.GetBucket(s.bucket); err != nil {
		return models.NewError(models.KindWorkspaceFailure, op, fmt.Errorf("bucket %s: %w", s.bucket, err))
	}
	return nil
}

func (s *Supabase) Put(ctx context.Context, requestID string, productIndex, imageIndex int, data []byte) (string, error) {
	const op = "outputs.Supabase.Put"

	key := ObjectKey(requestID, productIndex, imageIndex)
	contentType := ContentType
	upsert := true
	_, err := s.client.UploadFile(s.bucket, key, bytes.NewReader(data), storage.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return "", models.NewError(models.KindWriteFailure, op, err)
	}
	return s.PublicURL(key), nil
}

func (s *Supabase) PublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, key)
}
