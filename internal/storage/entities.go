package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridian-research/nbforge/internal/model"
)

// GetEntity retrieves an entity by ID, or ErrNotFound.
func (db *DB) GetEntity(ctx context.Context, id uuid.UUID) (model.Entity, error) {
	var e model.Entity
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, sector, ticker, created_at FROM entities WHERE id = $1`, id,
	).Scan(&e.ID, &e.Name, &e.Sector, &e.Ticker, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Entity{}, fmt.Errorf("storage: entity %s: %w", id, ErrNotFound)
		}
		return model.Entity{}, fmt.Errorf("storage: get entity: %w", err)
	}
	return e, nil
}

// UpsertEntity creates or updates an entity record.
func (db *DB) UpsertEntity(ctx context.Context, e model.Entity) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO entities (id, name, sector, ticker)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name,
		     sector = EXCLUDED.sector, ticker = EXCLUDED.ticker`,
		e.ID, e.Name, e.Sector, e.Ticker)
	if err != nil {
		return fmt.Errorf("storage: upsert entity: %w", err)
	}
	return nil
}
