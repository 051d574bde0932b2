package account

import (
	"context"
	"fmt"
)

// KeyLister lists the account ids stored under a namespace, in insertion
// order.
type KeyLister interface {
	ListKeys(ctx context.Context, namespace string) ([]string, error)
}

// Pool is the ordered, read-only set of account ids available to a run.
type Pool struct {
	ids   []string
	index map[string]int
}

// NewPool creates a pool from account ids in order. Duplicate or empty ids
// are rejected.
func NewPool(ids []string) (*Pool, error) {
	p := &Pool{
		ids:   make([]string, 0, len(ids)),
		index: make(map[string]int, len(ids)),
	}
	for _, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("empty account id in pool")
		}
		if _, dup := p.index[id]; dup {
			return nil, fmt.Errorf("duplicate account id %q in pool", id)
		}
		p.index[id] = len(p.ids)
		p.ids = append(p.ids, id)
	}
	return p, nil
}

// LoadPool builds a pool from the keys stored under namespace.
func LoadPool(ctx context.Context, lister KeyLister, namespace string) (*Pool, error) {
	ids, err := lister.ListKeys(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("list accounts in %q: %w", namespace, err)
	}
	return NewPool(ids)
}

// ListAccounts returns all account ids in insertion order.
func (p *Pool) ListAccounts() []string {
	ids := make([]string, len(p.ids))
	copy(ids, p.ids)
	return ids
}

// Take returns the first n accounts.
func (p *Pool) Take(n int) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("account count must be positive, got %d", n)
	}
	if n > len(p.ids) {
		return nil, fmt.Errorf("%w: requested %d, pool has %d", ErrInsufficientAccounts, n, len(p.ids))
	}
	ids := make([]string, n)
	copy(ids, p.ids[:n])
	return ids, nil
}

// Size returns the number of accounts.
func (p *Pool) Size() int {
	return len(p.ids)
}

// Contains reports whether id is in the pool.
func (p *Pool) Contains(id string) bool {
	_, ok := p.index[id]
	return ok
}

// Require checks that every id is in the pool and that the pool is large
// enough to serve them.
func (p *Pool) Require(ids []string) error {
	if len(ids) > len(p.ids) {
		return fmt.Errorf("%w: requested %d, pool has %d", ErrInsufficientAccounts, len(ids), len(p.ids))
	}
	for _, id := range ids {
		if !p.Contains(id) {
			return fmt.Errorf("%w: %q", ErrUnknownAccount, id)
		}
	}
	return nil
}
