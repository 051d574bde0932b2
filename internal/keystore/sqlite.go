package keystore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/callbench/internal/account"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		namespace TEXT NOT NULL,
		account_id TEXT NOT NULL,
		private_key TEXT NOT NULL,
		seq INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (namespace, account_id)
	);

	CREATE INDEX IF NOT EXISTS idx_credentials_seq ON credentials(namespace, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ListKeys implements Store.
func (s *SQLiteStore) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id FROM credentials WHERE namespace = ? ORDER BY seq`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Entries implements Store.
func (s *SQLiteStore) Entries(ctx context.Context, namespace string) (map[string]string, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, private_key FROM credentials WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var id, key string
		if err := rows.Scan(&id, &key); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		entries[id] = key
	}
	return entries, rows.Err()
}

// Put implements Store. Runs in one transaction; an existing account keeps
// its sequence number.
func (s *SQLiteStore) Put(ctx context.Context, namespace string, creds []account.Credential) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if err := validateCredentials(creds); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM credentials WHERE namespace = ?`, namespace,
	).Scan(&next); err != nil {
		return fmt.Errorf("failed to read sequence: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO credentials (namespace, account_id, private_key, seq, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, account_id) DO UPDATE SET private_key = excluded.private_key
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, c := range creds {
		// seq is ignored on conflict, so only new accounts consume a slot.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM credentials WHERE namespace = ? AND account_id = ?)`, namespace, c.AccountID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to look up %s: %w", c.AccountID, err)
		}
		if _, err := stmt.ExecContext(ctx, namespace, c.AccountID, c.PrivateKey, next, now); err != nil {
			return fmt.Errorf("failed to store %s: %w", c.AccountID, err)
		}
		if !exists {
			next++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit credentials: %w", err)
	}

	s.logger.Info("stored credentials",
		slog.String("namespace", namespace),
		slog.Int("written", len(creds)),
	)
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
