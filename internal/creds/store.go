// Package creds stores master and follower API keys encrypted at rest
package creds

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"copy_trader/internal/core"
)

// Store keeps credentials in SQLite with every API key sealed by the
// symmetric envelope. The admin web surface writes through the same store;
// the engine only reads.
type Store struct {
	db     *sql.DB
	cipher *Cipher
	logger core.Logger
}

// NewStore opens (and if needed initializes) the credential database.
func NewStore(dbPath string, key []byte, logger core.Logger) (*Store, error) {
	cipher, err := NewCipher(key)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping credential database: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS master (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			api_key TEXT NOT NULL,
			secret_key TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS clients (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			api_key TEXT NOT NULL,
			secret_key TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create credential schema: %w", err)
		}
	}

	return &Store{
		db:     db,
		cipher: cipher,
		logger: logger.WithField("component", "creds"),
	}, nil
}

// Load yields the decrypted master pair and all follower pairs. Followers
// whose rows fail to decrypt are skipped with a warning rather than failing
// the whole fleet.
func (s *Store) Load(ctx context.Context) (*core.CredentialSet, error) {
	var encAPI, encSecret string
	err := s.db.QueryRowContext(ctx, `SELECT api_key, secret_key FROM master WHERE id = 1`).Scan(&encAPI, &encSecret)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no master credentials configured")
		}
		return nil, fmt.Errorf("failed to read master credentials: %w", err)
	}
	masterAPI, err := s.cipher.Decrypt(encAPI)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt master api key: %w", err)
	}
	masterSecret, err := s.cipher.Decrypt(encSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt master secret key: %w", err)
	}

	out := &core.CredentialSet{
		Master: core.KeyPair{APIKey: masterAPI, SecretKey: masterSecret},
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, api_key, secret_key FROM clients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to read follower credentials: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name, encAPI, encSecret string
		if err := rows.Scan(&id, &name, &encAPI, &encSecret); err != nil {
			return nil, err
		}
		apiKey, err := s.cipher.Decrypt(encAPI)
		if err != nil {
			s.logger.Warn("skipping follower with undecryptable api key", "name", name, "error", err)
			continue
		}
		secretKey, err := s.cipher.Decrypt(encSecret)
		if err != nil {
			s.logger.Warn("skipping follower with undecryptable secret key", "name", name, "error", err)
			continue
		}
		out.Followers = append(out.Followers, core.FollowerCredential{
			ID:        id,
			Name:      name,
			APIKey:    apiKey,
			SecretKey: secretKey,
		})
	}
	return out, rows.Err()
}

// SetMaster encrypts and upserts the master key pair.
func (s *Store) SetMaster(ctx context.Context, apiKey, secretKey string) error {
	encAPI, err := s.cipher.Encrypt(apiKey)
	if err != nil {
		return err
	}
	encSecret, err := s.cipher.Encrypt(secretKey)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO master (id, api_key, secret_key) VALUES (1, ?, ?)`,
		encAPI, encSecret)
	return err
}

// AddClient encrypts and inserts one follower. Names must be unique.
func (s *Store) AddClient(ctx context.Context, name, apiKey, secretKey string) error {
	if name == "" || apiKey == "" || secretKey == "" {
		return fmt.Errorf("name, api key and secret key are all required")
	}
	if len(name) > 50 {
		return fmt.Errorf("follower name too long: %q", name)
	}
	encAPI, err := s.cipher.Encrypt(apiKey)
	if err != nil {
		return err
	}
	encSecret, err := s.cipher.Encrypt(secretKey)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clients (name, api_key, secret_key) VALUES (?, ?, ?)`,
		name, encAPI, encSecret)
	if err != nil {
		return fmt.Errorf("failed to insert follower %q: %w", name, err)
	}
	return nil
}

// RemoveClient deletes one follower by name.
func (s *Store) RemoveClient(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE name = ?`, name)
	return err
}

// AddUser hashes and stores an admin login.
func (s *Store) AddUser(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash) VALUES (?, ?)`,
		username, string(hash))
	return err
}

// ValidateUser checks an admin login against the stored bcrypt hash.
func (s *Store) ValidateUser(ctx context.Context, username, password string) (bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash FROM users WHERE username = ?`, username).Scan(&hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ core.CredentialSource = (*Store)(nil)
