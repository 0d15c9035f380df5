package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"

	"github.com/pressly/goose/v3"

	_ "github.com/lib/pq"
)

const migrationPath = "migrations"

//go:embed migrations/*.sql
var embedMigrations embed.FS

func runMigrations(dsn string) error {
	const op = "storage.migrations"

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer db.Close()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := goose.Up(db, migrationPath); err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			log.Println("No migrations to apply.")
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	log.Println("Database migrations applied successfully.")
	return nil
}
