package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"imagebatch/internal/models"
)

// Postgres keeps one row per request; products and results are JSONB.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

const selectRequest = `SELECT id, status, submitted_at, started_at, completed_at,
	products, results, processed_products, webhook_url, error
	FROM requests WHERE id = $1`

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	const op = "storage.NewPostgres"

	if err := runMigrations(dsn); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) Create(ctx context.Context, req models.Request) error {
	const op = "storage.Postgres.Create"

	products, results, err := encodeLists(req)
	if err != nil {
		return models.NewError(models.KindStoreFailure, op, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO requests (id, status, submitted_at, started_at, completed_at,
		 products, results, processed_products, webhook_url, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		req.ID, string(req.Status), req.SubmittedAt, req.StartedAt, req.CompletedAt,
		products, results, req.ProcessedProducts, req.WebhookURL, req.Error)
	if err != nil {
		return models.NewError(models.KindStoreFailure, op, err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (models.Request, error) {
	const op = "storage.Postgres.Get"

	req, err := scanRequest(s.pool.QueryRow(ctx, selectRequest, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Request{}, notFound(op, id)
		}
		return models.Request{}, models.NewError(models.KindStoreFailure, op, err)
	}
	return req, nil
}

// Update locks the row for the duration of fn so concurrent writers serialize.
func (s *Postgres) Update(ctx context.Context, id string, fn func(*models.Request) error) error {
	const op = "storage.Postgres.Update"

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.NewError(models.KindStoreFailure, op, err)
	}
	defer tx.Rollback(ctx)

	current, err := scanRequest(tx.QueryRow(ctx, selectRequest+" FOR UPDATE", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound(op, id)
		}
		return models.NewError(models.KindStoreFailure, op, err)
	}

	next, err := applyUpdate(current, fn)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	products, results, err := encodeLists(next)
	if err != nil {
		return models.NewError(models.KindStoreFailure, op, err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE requests SET status = $2, started_at = $3, completed_at = $4,
		 products = $5, results = $6, processed_products = $7, webhook_url = $8, error = $9
		 WHERE id = $1`,
		id, string(next.Status), next.StartedAt, next.CompletedAt,
		products, results, next.ProcessedProducts, next.WebhookURL, next.Error)
	if err != nil {
		return models.NewError(models.KindStoreFailure, op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.NewError(models.KindStoreFailure, op, err)
	}
	return nil
}

func scanRequest(row pgx.Row) (models.Request, error) {
	var (
		req               models.Request
		status            string
		products, results []byte
	)
	err := row.Scan(&req.ID, &status, &req.SubmittedAt, &req.StartedAt, &req.CompletedAt,
		&products, &results, &req.ProcessedProducts, &req.WebhookURL, &req.Error)
	if err != nil {
		return models.Request{}, err
	}
	req.Status = models.RequestStatus(status)

	if err := json.Unmarshal(products, &req.Products); err != nil {
		return models.Request{}, fmt.Errorf("decode products: %w", err)
	}
	if err := json.Unmarshal(results, &req.Results); err != nil {
		return models.Request{}, fmt.Errorf("decode results: %w", err)
	}
	return req, nil
}

func encodeLists(req models.Request) (products, results []byte, err error) {
	products, err = json.Marshal(req.Products)
	if err != nil {
		return nil, nil, fmt.Errorf("encode products: %w", err)
	}
	if req.Results == nil {
		req.Results = []models.ProductResult{}
	}
	results, err = json.Marshal(req.Results)
	if err != nil {
		return nil, nil, fmt.Errorf("encode results: %w", err)
	}
	return products, results, nil
}
