package account

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// CredentialSource returns the account id -> private key entries stored
// under a namespace.
type CredentialSource interface {
	Entries(ctx context.Context, namespace string) (map[string]string, error)
}

// Keyring resolves account ids to signing accounts. Credentials are loaded
// once and treated as immutable for the life of the keyring.
type Keyring struct {
	source    CredentialSource
	namespace string
	nonces    NonceSource
	logger    *slog.Logger

	mu       sync.Mutex
	entries  map[string]string
	accounts map[string]*Account
}

// KeyringConfig for creating a Keyring.
type KeyringConfig struct {
	Source    CredentialSource
	Namespace string
	Nonces    NonceSource // Optional; nil skips nonce sync
	Logger    *slog.Logger
}

// NewKeyring creates a new Keyring.
func NewKeyring(cfg KeyringConfig) *Keyring {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Keyring{
		source:    cfg.Source,
		namespace: cfg.Namespace,
		nonces:    cfg.Nonces,
		logger:    logger,
		accounts:  make(map[string]*Account),
	}
}

// Account returns the signing account for id. The first call for an account
// parses its key and syncs its nonce from the chain.
func (k *Keyring) Account(ctx context.Context, id string) (*Account, error) {
	acc, err := k.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if k.nonces != nil {
		if err := acc.EnsureSynced(ctx, k.nonces); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func (k *Keyring) lookup(ctx context.Context, id string) (*Account, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if acc, ok := k.accounts[id]; ok {
		return acc, nil
	}

	if k.entries == nil {
		entries, err := k.source.Entries(ctx, k.namespace)
		if err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		k.entries = entries
		k.logger.Debug("loaded credentials",
			slog.String("namespace", k.namespace),
			slog.Int("count", len(entries)),
		)
	}

	hexKey, ok := k.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, id)
	}
	acc, err := NewAccountFromHex(id, hexKey)
	if err != nil {
		return nil, err
	}
	k.accounts[id] = acc
	return acc, nil
}
