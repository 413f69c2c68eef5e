// Package postgres stores checkpoints in PostgreSQL, keyed by species output
// directory, for harvests that run on ephemeral disks.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ensembl-genetree/internal/domain/genetree"
	"github.com/ahrav/ensembl-genetree/internal/infra/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

var _ genetree.CheckpointRepository = (*CheckpointStore)(nil)

// CheckpointStore provides a PostgreSQL implementation of
// genetree.CheckpointRepository. Each Save is a single upsert, so a reader
// never observes a partially written checkpoint.
type CheckpointStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewCheckpointStore creates a PostgreSQL-backed checkpoint store.
func NewCheckpointStore(pool *pgxpool.Pool, tracer trace.Tracer) *CheckpointStore {
	return &CheckpointStore{pool: pool, tracer: tracer}
}

// Connect opens a pool for dsn with query tracing enabled.
func Connect(ctx context.Context, dsn string, tp trace.TracerProvider) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	poolCfg.MaxConns = 4
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer(otelpgx.WithTracerProvider(tp))

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach db: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("could not open migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

const upsertCheckpoint = `
INSERT INTO genetree_checkpoints (checkpoint_key, data, processed_count, position, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (checkpoint_key) DO UPDATE
SET data = EXCLUDED.data,
    processed_count = EXCLUDED.processed_count,
    position = EXCLUDED.position,
    updated_at = NOW()`

const selectCheckpoint = `SELECT data FROM genetree_checkpoints WHERE checkpoint_key = $1`

// Save persists cp under key in its JSON wire form.
func (s *CheckpointStore) Save(ctx context.Context, key string, cp *genetree.Checkpoint) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("checkpoint_key", key),
		attribute.Int("processed_count", cp.ProcessedCount()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_checkpoint", dbAttrs, func(ctx context.Context) error {
		data, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("failed to marshal checkpoint: %w", err)
		}
		if _, err := s.pool.Exec(ctx, upsertCheckpoint, key, data, cp.ProcessedCount(), cp.Position()); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		return nil
	})
}

// Load retrieves the checkpoint stored under key, or an empty checkpoint.
func (s *CheckpointStore) Load(ctx context.Context, key string) (*genetree.Checkpoint, error) {
	var cp *genetree.Checkpoint
	dbAttrs := append(defaultDBAttributes, attribute.String("checkpoint_key", key))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.load_checkpoint", dbAttrs, func(ctx context.Context) error {
		var data []byte
		err := s.pool.QueryRow(ctx, selectCheckpoint, key).Scan(&data)
		if errors.Is(err, pgx.ErrNoRows) {
			cp = genetree.NewCheckpoint()
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}

		loaded := genetree.NewCheckpoint()
		if err := json.Unmarshal(data, loaded); err != nil {
			return fmt.Errorf("failed to unmarshal checkpoint: %w", err)
		}
		cp = loaded
		return nil
	})
	return cp, err
}
