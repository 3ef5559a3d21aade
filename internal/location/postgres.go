package location

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the locations table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS locations (
    location_key       TEXT PRIMARY KEY,
    display_name       TEXT NOT NULL DEFAULT '',
    first_visited_turn INTEGER,
    last_visited_turn  INTEGER,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("location: migrate: %w", err)
	}
	return nil
}

// Get implements [Store.Get].
func (s *PostgresStore) Get(ctx context.Context, key string) (Location, error) {
	const query = `
		SELECT location_key, display_name, first_visited_turn, last_visited_turn
		FROM locations WHERE location_key = $1`

	var loc Location
	err := s.db.QueryRow(ctx, query, key).Scan(
		&loc.Key, &loc.DisplayName, &loc.FirstVisitedTurn, &loc.LastVisitedTurn,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Location{}, ErrNotFound
	}
	if err != nil {
		return Location{}, fmt.Errorf("location: get %q: %w", key, err)
	}
	return loc, nil
}

// Upsert implements [Store.Upsert]. Visit turns of an existing row are
// preserved.
func (s *PostgresStore) Upsert(ctx context.Context, loc Location) error {
	const query = `
		INSERT INTO locations (location_key, display_name)
		VALUES ($1, $2)
		ON CONFLICT (location_key)
		DO UPDATE SET display_name = EXCLUDED.display_name, updated_at = now()`

	if _, err := s.db.Exec(ctx, query, loc.Key, loc.DisplayName); err != nil {
		return fmt.Errorf("location: upsert %q: %w", loc.Key, err)
	}
	return nil
}

// UpdateVisit implements [Store.UpdateVisit]. COALESCE keeps the first-visit
// turn write-once even under concurrent updates.
func (s *PostgresStore) UpdateVisit(ctx context.Context, key string, turn int, firstVisit bool) error {
	const query = `
		UPDATE locations
		SET first_visited_turn = CASE WHEN $3 THEN COALESCE(first_visited_turn, $2) ELSE first_visited_turn END,
		    last_visited_turn  = $2,
		    updated_at         = now()
		WHERE location_key = $1`

	tag, err := s.db.Exec(ctx, query, key, turn, firstVisit)
	if err != nil {
		return fmt.Errorf("location: update visit %q: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
