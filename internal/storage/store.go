package storage

import (
	"context"
	"fmt"

	"imagebatch/internal/models"
)

// Store persists requests. Update is atomic per request: fn sees the current
// record and its mutation is saved only if fn returns nil and the resulting
// status move is allowed.
type Store interface {
	Create(ctx context.Context, req models.Request) error
	Get(ctx context.Context, id string) (models.Request, error)
	Update(ctx context.Context, id string, fn func(*models.Request) error) error
}

// applyUpdate runs fn on a copy of current and checks the transition rules.
func applyUpdate(current models.Request, fn func(*models.Request) error) (models.Request, error) {
	if current.Status.Terminal() {
		return models.Request{}, fmt.Errorf("request %s is %s: %w", current.ID, current.Status, models.ErrTerminalState)
	}

	next := current.Clone()
	if err := fn(&next); err != nil {
		return models.Request{}, err
	}
	next.ID = current.ID

	if next.Status != current.Status && !current.Status.CanTransition(next.Status) {
		return models.Request{}, fmt.Errorf("%s -> %s: %w", current.Status, next.Status, models.ErrInvalidTransition)
	}
	return next, nil
}

func notFound(op, id string) error {
	return models.NewError(models.KindNotFound, op, fmt.Errorf("request %s", id))
}
