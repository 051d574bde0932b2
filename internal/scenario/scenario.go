// Package scenario loads benchmark scenarios from YAML files and builds the
// default counter scenario set.
package scenario

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/callbench/internal/account"
	"github.com/gateway-fm/callbench/internal/bench"
	"github.com/gateway-fm/callbench/internal/chain"
)

// DefaultContractID is the id under which the counter contract of the
// default scenarios is registered.
const DefaultContractID = "counter"

// DefaultSingleRunTimes is how often single-account scenarios repeat their
// call when nothing else is configured.
const DefaultSingleRunTimes = 3

// Mode kinds accepted in scenario files.
const (
	KindSingle = "single"
	KindMulti  = "multi"
)

// File is a scenario file.
//
//	contracts:
//	  - id: counter
//	    address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
//	    abi: ./Counter.json      # optional, defaults to the counter ABI
//	scenarios:
//	  - name: single.write
//	    contract: counter
//	    method: incrementCounter
//	    finality: included
//	    mode: {kind: single, repeat: 5}
//	  - name: multi.read
//	    contract: counter
//	    method: getCounter
//	    readOnly: true
//	    mode: {kind: multi, count: 10}
type File struct {
	Contracts []Contract `yaml:"contracts"`
	Scenarios []Def      `yaml:"scenarios"`

	dir string
}

// Contract declares a deployed contract.
type Contract struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	ABI     string `yaml:"abi"`
}

// Def declares one scenario.
type Def struct {
	Name     string         `yaml:"name"`
	Contract string         `yaml:"contract"`
	Method   string         `yaml:"method"`
	Args     map[string]any `yaml:"args"`
	ReadOnly bool           `yaml:"readOnly"`
	Finality bench.Finality `yaml:"finality"`
	Mode     Mode           `yaml:"mode"`
}

// Mode declares how a scenario fans out.
//
// single: Account (default: first pool account) called Repeat times
// (default: the configured single run times).
// multi: the listed Accounts, or the first Count pool accounts, or the whole
// pool when both are empty.
type Mode struct {
	Kind     string   `yaml:"kind"`
	Account  string   `yaml:"account"`
	Repeat   int      `yaml:"repeat"`
	Accounts []string `yaml:"accounts"`
	Count    int      `yaml:"count"`
}

// Load decodes a scenario file. Unknown fields are rejected.
func Load(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("scenario file is empty")
		}
		return nil, fmt.Errorf("failed to parse scenario file: %w", err)
	}
	if len(f.Scenarios) == 0 {
		return nil, errors.New("scenario file declares no scenarios")
	}
	return &f, nil
}

// LoadFile reads a scenario file from disk. Relative ABI paths are resolved
// against the file's directory.
func LoadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	f, err := Load(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.dir = filepath.Dir(path)
	return f, nil
}

// Register adds the file's contracts to reg.
func (f *File) Register(reg *chain.Registry) error {
	for _, c := range f.Contracts {
		if c.ABI == "" {
			if err := reg.Register(c.ID, c.Address, strings.NewReader(chain.CounterABI)); err != nil {
				return err
			}
			continue
		}
		path := c.ABI
		if !filepath.IsAbs(path) && f.dir != "" {
			path = filepath.Join(f.dir, path)
		}
		if err := reg.RegisterFile(c.ID, c.Address, path); err != nil {
			return err
		}
	}
	return nil
}

// Build resolves the file's scenarios against the account pool and the
// contract registry.
func (f *File) Build(pool *account.Pool, reg *chain.Registry, singleRunTimes int) ([]bench.Scenario, error) {
	if singleRunTimes <= 0 {
		singleRunTimes = DefaultSingleRunTimes
	}

	out := make([]bench.Scenario, 0, len(f.Scenarios))
	for i, def := range f.Scenarios {
		if def.Name == "" {
			return nil, fmt.Errorf("%w: scenario %d has no name", bench.ErrInvalidScenario, i)
		}
		if err := reg.CheckMethod(def.Contract, def.Method, def.ReadOnly); err != nil {
			return nil, fmt.Errorf("%w: scenario %q: %v", bench.ErrInvalidScenario, def.Name, err)
		}
		mode, err := def.Mode.resolve(pool, singleRunTimes)
		if err != nil {
			return nil, fmt.Errorf("scenario %q: %w", def.Name, err)
		}
		out = append(out, bench.Scenario{
			Name: def.Name,
			Spec: bench.CallSpec{
				ContractID: def.Contract,
				Method:     def.Method,
				Args:       def.Args,
				ReadOnly:   def.ReadOnly,
				Finality:   def.Finality,
			},
			Mode: mode,
		})
	}
	return out, nil
}

func (m Mode) resolve(pool *account.Pool, singleRunTimes int) (bench.DispatchMode, error) {
	switch strings.ToLower(m.Kind) {
	case KindSingle, "":
		id := m.Account
		if id == "" {
			first, err := pool.Take(1)
			if err != nil {
				return bench.DispatchMode{}, err
			}
			id = first[0]
		}
		repeat := m.Repeat
		if repeat == 0 {
			repeat = singleRunTimes
		}
		return bench.SingleAccount(id, repeat), nil

	case KindMulti:
		switch {
		case len(m.Accounts) > 0:
			return bench.MultiAccount(m.Accounts...), nil
		case m.Count > 0:
			ids, err := pool.Take(m.Count)
			if err != nil {
				return bench.DispatchMode{}, err
			}
			return bench.MultiAccount(ids...), nil
		default:
			return bench.MultiAccount(pool.ListAccounts()...), nil
		}
	}
	return bench.DispatchMode{}, fmt.Errorf("%w: unknown mode kind %q", bench.ErrMalformedDispatchMode, m.Kind)
}

// Defaults returns the counter scenarios: a single-account read and write
// repeated singleRunTimes times from the first pool account, then a read and
// a write from every pool account at once.
func Defaults(contractID string, pool *account.Pool, singleRunTimes int) ([]bench.Scenario, error) {
	if singleRunTimes <= 0 {
		singleRunTimes = DefaultSingleRunTimes
	}
	first, err := pool.Take(1)
	if err != nil {
		return nil, err
	}
	all := pool.ListAccounts()

	read := bench.CallSpec{ContractID: contractID, Method: "getCounter", ReadOnly: true}
	write := bench.CallSpec{ContractID: contractID, Method: "incrementCounter"}

	return []bench.Scenario{
		{Name: "single.read", Spec: read, Mode: bench.SingleAccount(first[0], singleRunTimes)},
		{Name: "single.write", Spec: write, Mode: bench.SingleAccount(first[0], singleRunTimes)},
		{Name: "multi.read", Spec: read, Mode: bench.MultiAccount(all...)},
		{Name: "multi.write", Spec: write, Mode: bench.MultiAccount(all...)},
	}, nil
}

// Filter keeps the scenarios whose names are listed, in their original order.
// An empty list keeps everything.
func Filter(scenarios []bench.Scenario, names []string) ([]bench.Scenario, error) {
	if len(names) == 0 {
		return scenarios, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []bench.Scenario
	for _, sc := range scenarios {
		if want[sc.Name] {
			out = append(out, sc)
			delete(want, sc.Name)
		}
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for _, n := range names {
			if want[n] {
				missing = append(missing, n)
			}
		}
		return nil, fmt.Errorf("%w: no scenario named %s", bench.ErrInvalidScenario, strings.Join(missing, ", "))
	}
	return out, nil
}
