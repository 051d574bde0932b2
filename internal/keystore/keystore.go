// Package keystore persists benchmark account credentials under a namespace.
// Account ids are returned in insertion order by every backend.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/gateway-fm/callbench/internal/account"
)

// DefaultNamespace is the namespace credentials are stored under.
const DefaultNamespace = "private_keys"

// ErrUnknownBackend is returned by Open for unsupported backends.
var ErrUnknownBackend = errors.New("unknown keystore backend")

// Store is the credential store. ListKeys and Entries are the read side used
// by a run; Put is only used by the accounts commands.
type Store interface {
	ListKeys(ctx context.Context, namespace string) ([]string, error)
	Entries(ctx context.Context, namespace string) (map[string]string, error)
	// Put merges credentials into the namespace. Existing ids keep their
	// position and get the new key; new ids are appended.
	Put(ctx context.Context, namespace string, creds []account.Credential) error
	Close() error
}

// Backend selects a Store implementation.
type Backend string

const (
	BackendJSON   Backend = "json"
	BackendSQLite Backend = "sqlite"
	BackendBadger Backend = "badger"
)

// Config for opening a Store.
type Config struct {
	Backend Backend
	// Path is a directory for json and badger, a database file for sqlite.
	Path   string
	Logger *slog.Logger
}

// Open opens the store selected by cfg.Backend.
func Open(cfg Config) (Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "keystore"), slog.String("backend", string(cfg.Backend)))

	switch cfg.Backend {
	case BackendJSON, "":
		return NewJSONStore(cfg.Path, logger)
	case BackendSQLite:
		path := cfg.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "keystore.db")
		}
		return NewSQLiteStore(path, logger)
	case BackendBadger:
		return NewBadgerStore(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// validateCredentials rejects empty ids, empty keys and duplicates within a
// single Put.
func validateCredentials(creds []account.Credential) error {
	seen := make(map[string]bool, len(creds))
	for i, c := range creds {
		if c.AccountID == "" {
			return fmt.Errorf("credential %d has no account id", i)
		}
		if c.PrivateKey == "" {
			return fmt.Errorf("credential %q has no private key", c.AccountID)
		}
		if seen[c.AccountID] {
			return fmt.Errorf("duplicate account id %q", c.AccountID)
		}
		seen[c.AccountID] = true
	}
	return nil
}

func validateNamespace(namespace string) error {
	if namespace == "" {
		return errors.New("namespace is required")
	}
	return nil
}
