package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS checkpoints (
	input_key TEXT PRIMARY KEY,
	input TEXT NOT NULL,
	version INTEGER NOT NULL,
	fingerprint TEXT NOT NULL,
	total_units INTEGER NOT NULL,
	processed_ids TEXT NOT NULL,
	completed_count INTEGER NOT NULL,
	saved_at DATETIME NOT NULL
);`

// SQLiteStore keeps checkpoints as rows of a single table, one per input.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create checkpoints table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, input string) (*State, error) {
	var state State
	var processed string
	err := s.db.QueryRowContext(ctx,
		`SELECT input, version, fingerprint, total_units, processed_ids, completed_count, saved_at
		 FROM checkpoints WHERE input_key = ?`,
		Key(input),
	).Scan(
		&state.Input,
		&state.Version,
		&state.Fingerprint,
		&state.TotalUnits,
		&processed,
		&state.CompletedCount,
		&state.SavedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	if err := json.Unmarshal([]byte(processed), &state.ProcessedIDs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *SQLiteStore) Save(ctx context.Context, state *State) error {
	state.CompletedCount = len(state.ProcessedIDs)
	state.SavedAt = time.Now().UTC()

	ids := state.ProcessedIDs
	if ids == nil {
		ids = []string{}
	}
	processed, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode processed ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (
			input_key, input, version, fingerprint, total_units, processed_ids, completed_count, saved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(input_key) DO UPDATE SET
			input=excluded.input,
			version=excluded.version,
			fingerprint=excluded.fingerprint,
			total_units=excluded.total_units,
			processed_ids=excluded.processed_ids,
			completed_count=excluded.completed_count,
			saved_at=excluded.saved_at`,
		Key(state.Input),
		state.Input,
		state.Version,
		state.Fingerprint,
		state.TotalUnits,
		string(processed),
		state.CompletedCount,
		state.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, input string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE input_key = ?`, Key(input))
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
