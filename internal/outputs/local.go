package outputs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"imagebatch/internal/models"
)

// Local writes outputs under <base>/<requestID>/.
type Local struct {
	base string
}

var _ Storage = (*Local)(nil)

func NewLocal(base string) (*Local, error) {
	const op = "outputs.NewLocal"

	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Local{base: abs}, nil
}

func (l *Local) RequestDir(requestID string) string {
	return filepath.Join(l.base, requestID)
}

func (l *Local) Prepare(ctx context.Context, requestID string) error {
	const op = "outputs.Local.Prepare"

	if err := os.MkdirAll(l.RequestDir(requestID), 0o755); err != nil {
		return models.NewError(models.KindWorkspaceFailure, op, err)
	}
	return nil
}

func (l *Local) Put(ctx context.Context, requestID string, productIndex, imageIndex int, data []byte) (string, error) {
	const op = "outputs.Local.Put"

	dir := l.RequestDir(requestID)
	path := filepath.Join(dir, FileName(productIndex, imageIndex))

	// write to a sibling temp file and rename so readers never see a partial image
	tmp, err := os.CreateTemp(dir, ".output-*")
	if err != nil {
		return "", models.NewError(models.KindWriteFailure, op, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", models.NewError(models.KindWriteFailure, op, err)
	}
	if err := tmp.Close(); err != nil {
		return "", models.NewError(models.KindWriteFailure, op, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", models.NewError(models.KindWriteFailure, op, err)
	}
	return path, nil
}
