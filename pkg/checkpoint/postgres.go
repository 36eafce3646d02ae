package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	run_id     TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	idx        INTEGER     NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	body       JSONB       NOT NULL,
	PRIMARY KEY (run_id, id)
);
CREATE INDEX IF NOT EXISTS checkpoints_run_idx ON checkpoints (run_id, idx);`

// PostgresStore persists checkpoints in Postgres for shared deployments
// where several runners resume each other's runs.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing connection pool. Call EnsureSchema once
// at startup.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore connects with a lib/pq DSN and migrates the schema.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open postgres: %w", err)
	}
	store := NewPostgresStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the checkpoints table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("checkpoint: migrate postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: encode %s: %w", cp.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, id, idx, created_at, body)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, id) DO UPDATE SET idx = EXCLUDED.idx, created_at = EXCLUDED.created_at, body = EXCLUDED.body`,
		cp.RunID, cp.ID, cp.Index, cp.CreatedAt.UTC(), body)
	if err != nil {
		return fmt.Errorf("checkpoint: save %s: %w", cp.ID, err)
	}
	return nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, runID, checkpointID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM checkpoints WHERE run_id = $1 AND id = $2`, runID, checkpointID)
	return scanCheckpoint(row)
}

// Latest implements Store.
func (s *PostgresStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM checkpoints WHERE run_id = $1 ORDER BY idx DESC LIMIT 1`, runID)
	return scanCheckpoint(row)
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM checkpoints WHERE run_id = $1 ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("checkpoint: list: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
