// Package store persists the mirror state as a single document
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"copy_trader/internal/core"
)

// stateDocID is the well-known id of the single state document.
const stateDocID = "state"

// SQLiteStore keeps the state document in a local SQLite file with WAL mode
// for crash recovery. Saves are full-document upserts guarded by a checksum.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed initializes) the state database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		checksum BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("failed to create state table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save upserts the full state document.
func (s *SQLiteStore) Save(ctx context.Context, state *core.MirrorState) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	checksum := sha256.Sum256(data)
	query := `INSERT OR REPLACE INTO state (id, data, checksum, updated_at) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, stateDocID, string(data), checksum[:], time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	return tx.Commit()
}

// Load fetches the state document. A missing document yields an empty state.
func (s *SQLiteStore) Load(ctx context.Context) (*core.MirrorState, error) {
	query := `SELECT data, checksum FROM state WHERE id = ?`
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx, query, stateDocID).Scan(&data, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.NewMirrorState(), nil
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	computed := sha256.Sum256([]byte(data))
	if len(storedChecksum) != len(computed) {
		return nil, fmt.Errorf("checksum length mismatch: expected %d, got %d", len(computed), len(storedChecksum))
	}
	for i := range computed {
		if storedChecksum[i] != computed[i] {
			return nil, fmt.Errorf("checksum verification failed: data corruption detected")
		}
	}

	var state core.MirrorState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	state.Normalize()
	return &state, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ core.StateStore = (*SQLiteStore)(nil)
