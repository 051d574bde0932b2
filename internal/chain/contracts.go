// Package chain implements contract calls against an EVM JSON-RPC node:
// reads through eth_call, writes as signed transactions that are followed to
// the requested finality.
package chain

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// CounterABI is the ABI of the counter contract the default scenarios call.
const CounterABI = `[
  {"type":"function","name":"getCounter","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"incrementCounter","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

// Contract is a deployed contract callable by id.
type Contract struct {
	ID      string
	Address common.Address
	ABI     abi.ABI
}

// Method returns the ABI method with the given name.
func (c *Contract) Method(name string) (abi.Method, error) {
	m, ok := c.ABI.Methods[name]
	if !ok {
		return abi.Method{}, fmt.Errorf("contract %s has no method %q", c.ID, name)
	}
	return m, nil
}

// Registry maps contract ids to deployed contracts.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]*Contract
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{contracts: make(map[string]*Contract)}
}

// Register adds a contract parsed from its JSON ABI.
func (r *Registry) Register(id, address string, abiJSON io.Reader) error {
	if id == "" {
		return fmt.Errorf("contract id is required")
	}
	if !common.IsHexAddress(address) {
		return fmt.Errorf("contract %s: invalid address %q", id, address)
	}
	parsed, err := abi.JSON(abiJSON)
	if err != nil {
		return fmt.Errorf("contract %s: failed to parse ABI: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.contracts[id] = &Contract{ID: id, Address: common.HexToAddress(address), ABI: parsed}
	return nil
}

// RegisterFile adds a contract whose ABI is read from path. Both a bare ABI
// array and a compiler artifact with an "abi" field are accepted.
func (r *Registry) RegisterFile(id, address, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("contract %s: failed to read ABI: %w", id, err)
	}
	return r.Register(id, address, strings.NewReader(extractABI(data)))
}

// Lookup returns the contract registered under id.
func (r *Registry) Lookup(id string) (*Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[id]
	return c, ok
}

// IDs returns the registered contract ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.contracts))
	for id := range r.contracts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CheckMethod verifies that contract id exists, has the method, and that
// the method's mutability matches readOnly.
func (r *Registry) CheckMethod(id, method string, readOnly bool) error {
	c, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("unknown contract %q", id)
	}
	m, err := c.Method(method)
	if err != nil {
		return err
	}
	if readOnly && !m.IsConstant() {
		return fmt.Errorf("method %s.%s is %s and cannot be called read-only", id, method, m.StateMutability)
	}
	return nil
}
