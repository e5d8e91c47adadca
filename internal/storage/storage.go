// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBName is the database file created inside the data directory.
const DBName = "htlcswap.db"

// Storage provides persistent storage for the swap daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex

	// sealer is nil when no passphrase was configured.
	sealer *sealer
}

// Config holds storage configuration.
type Config struct {
	DataDir string

	// Passphrase seals swap secrets at rest. Without one, swaps that
	// carry a secret cannot be saved.
	Passphrase string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.Passphrase != "" {
		sl, err := s.openSealer(cfg.Passphrase)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.sealer = sl
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Settings table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- Swaps table
	-- One row per swap; the two legs are flattened into btc_* and eth_* columns.
	CREATE TABLE IF NOT EXISTS swaps (
		id TEXT PRIMARY KEY,
		direction TEXT NOT NULL,
		initiator INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		hashlock TEXT NOT NULL,
		sealed_secret BLOB,
		secret_revealed INTEGER NOT NULL DEFAULT 0,

		-- Bitcoin leg
		btc_amount INTEGER NOT NULL DEFAULT 0,
		btc_funded INTEGER NOT NULL DEFAULT 0,
		btc_locktime INTEGER NOT NULL DEFAULT 0,
		btc_redeem_script TEXT,
		btc_lock_address TEXT,
		btc_funding_txid TEXT,
		btc_funding_vout INTEGER NOT NULL DEFAULT 0,
		btc_funding_value INTEGER NOT NULL DEFAULT 0,
		btc_spend_txid TEXT,

		-- Ethereum leg
		eth_amount TEXT NOT NULL DEFAULT '0',
		eth_funded INTEGER NOT NULL DEFAULT 0,
		eth_timeout INTEGER NOT NULL DEFAULT 0,
		eth_recipient TEXT,
		eth_escrow TEXT,
		eth_deploy_tx TEXT,
		eth_spend_tx TEXT,

		expiration INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_status ON swaps(status);
	CREATE INDEX IF NOT EXISTS idx_swaps_hashlock ON swaps(hashlock);
	CREATE INDEX IF NOT EXISTS idx_swaps_expiration ON swaps(expiration);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetSetting returns a value from the settings table.
// The second result is false if the key is not set.
func (s *Storage) GetSetting(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSettingUnlocked(key)
}

// SetSetting stores a value in the settings table.
func (s *Storage) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setSettingUnlocked(key, value)
}

func (s *Storage) getSettingUnlocked(key string) (string, bool, error) {
	var value sql.NullString
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value.String, true, nil
}

func (s *Storage) setSettingUnlocked(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
