// Package account exposes the pool of benchmark accounts and resolves them
// to signing keys.
package account

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrInsufficientAccounts is returned when more accounts are requested
	// than the pool holds.
	ErrInsufficientAccounts = errors.New("insufficient accounts")
	// ErrUnknownAccount is returned for account ids that are not in the pool.
	ErrUnknownAccount = errors.New("unknown account")
	// ErrInvalidKey is returned when a stored private key cannot be parsed.
	ErrInvalidKey = errors.New("invalid private key")
)

// Credential is an account id and its private key as persisted by the
// keystore.
type Credential struct {
	AccountID  string `json:"accountId"`
	PrivateKey string `json:"privateKey"`
}

// LogValue keeps private keys out of logs.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("account_id", c.AccountID),
		slog.String("private_key", "[redacted]"),
	)
}

// NonceSource fetches the next usable nonce for an address.
type NonceSource interface {
	GetNonce(ctx context.Context, address string) (uint64, error)
}

// Account holds a benchmark account's key and local nonce state.
type Account struct {
	ID         string
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address

	mu    sync.Mutex
	nonce uint64

	syncMu sync.Mutex
	synced bool
}

// NewAccount creates an account from a private key.
func NewAccount(id string, privateKey *ecdsa.PrivateKey) *Account {
	return &Account{
		ID:         id,
		PrivateKey: privateKey,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// NewAccountFromHex creates an account from a hex-encoded private key, with
// or without 0x prefix.
func NewAccountFromHex(id, hexKey string) (*Account, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w for account %s: %v", ErrInvalidKey, id, err)
	}
	return NewAccount(id, privateKey), nil
}

// Nonce represents a reserved nonce that must be committed or rolled back.
// Use defer n.Rollback() immediately after reserving to ensure cleanup.
type Nonce struct {
	value     uint64
	account   *Account
	committed atomic.Bool
}

// Value returns the nonce value.
func (n *Nonce) Value() uint64 {
	return n.value
}

// Commit marks the nonce as successfully used.
func (n *Nonce) Commit() {
	n.committed.Store(true)
}

// Rollback returns the nonce to the account if not committed.
// Safe to call multiple times.
func (n *Nonce) Rollback() {
	if n.committed.Swap(true) {
		return
	}
	n.account.rollback(n.value)
}

// ReserveNonce reserves the next nonce for use.
// The returned Nonce MUST be either committed or rolled back.
func (a *Account) ReserveNonce() *Nonce {
	a.mu.Lock()
	nonce := a.nonce
	a.nonce++
	a.mu.Unlock()

	return &Nonce{
		value:   nonce,
		account: a,
	}
}

// rollback decrements the nonce if it was the last one issued. Out-of-order
// rollbacks are ignored; the gap is repaired by the next Resync.
func (a *Account) rollback(nonce uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nonce == nonce+1 {
		a.nonce = nonce
	}
}

// PeekNonce returns the current nonce without incrementing.
func (a *Account) PeekNonce() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonce
}

// Resync fetches the pending nonce from the chain. Uses set-if-higher so
// concurrent reservations are never handed out twice.
func (a *Account) Resync(ctx context.Context, src NonceSource) error {
	nonce, err := src.GetNonce(ctx, a.Address.Hex())
	if err != nil {
		return err
	}
	a.mu.Lock()
	if nonce > a.nonce {
		a.nonce = nonce
	}
	a.mu.Unlock()
	return nil
}

// EnsureSynced resyncs the nonce once per account. Concurrent callers block
// until the first sync completes; a failed sync is retried by the next caller.
func (a *Account) EnsureSynced(ctx context.Context, src NonceSource) error {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	if a.synced {
		return nil
	}
	if err := a.Resync(ctx, src); err != nil {
		return fmt.Errorf("sync nonce for %s: %w", a.ID, err)
	}
	a.synced = true
	return nil
}
