package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	run_id     TEXT    NOT NULL,
	id         TEXT    NOT NULL,
	idx        INTEGER NOT NULL,
	created_at TEXT    NOT NULL,
	body       BLOB    NOT NULL,
	PRIMARY KEY (run_id, id)
);
CREATE INDEX IF NOT EXISTS checkpoints_run_idx ON checkpoints (run_id, idx);`

// SQLiteStore persists checkpoints in an embedded SQLite database. Suitable
// for single-node deployments that need durability without a server.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path. Use ":memory:"
// for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open sqlite: %w", err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: encode %s: %w", cp.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, id, idx, created_at, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id, id) DO UPDATE SET idx = excluded.idx, created_at = excluded.created_at, body = excluded.body`,
		cp.RunID, cp.ID, cp.Index, cp.CreatedAt.UTC().Format("2006-01-02T15:04:05.999999999Z"), body)
	if err != nil {
		return fmt.Errorf("checkpoint: save %s: %w", cp.ID, err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, runID, checkpointID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM checkpoints WHERE run_id = ? AND id = ?`, runID, checkpointID)
	return scanCheckpoint(row)
}

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM checkpoints WHERE run_id = ? ORDER BY idx DESC LIMIT 1`, runID)
	return scanCheckpoint(row)
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM checkpoints WHERE run_id = ? ORDER BY idx`, runID)
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

func scanCheckpoint(row *sql.Row) (*Checkpoint, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(body, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode: %w", err)
	}
	return &cp, nil
}
