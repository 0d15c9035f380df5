// Package outputs stores compressed images. Every backend addresses an
// output by (requestID, productIndex, imageIndex) and overwrites on re-put, so
// re-running a product never creates duplicates.
package outputs

import (
	"context"
	"fmt"
)

type Storage interface {
	// Prepare allocates the per-request namespace before any product runs.
	Prepare(ctx context.Context, requestID string) error
	Put(ctx context.Context, requestID string, productIndex, imageIndex int, data []byte) (ref string, err error)
}

const ContentType = "image/jpeg"

// ObjectKey is the backend-independent name of one output image.
func ObjectKey(requestID string, productIndex, imageIndex int) string {
	return fmt.Sprintf("%s/%s", requestID, FileName(productIndex, imageIndex))
}

func FileName(productIndex, imageIndex int) string {
	return fmt.Sprintf("output-%d-%d.jpeg", productIndex, imageIndex)
}
