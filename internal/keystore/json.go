package keystore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gateway-fm/callbench/internal/account"
)

// jsonFileSuffix names the chain family in the file name, e.g.
// private_keys.evm.json.
const jsonFileSuffix = "evm"

// JSONStore keeps one JSON object per namespace in <dir>/<namespace>.evm.json,
// mapping account id to private key.
type JSONStore struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewJSONStore creates a JSON file store rooted at dir.
func NewJSONStore(dir string, logger *slog.Logger) (*JSONStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	return &JSONStore{dir: dir, logger: logger}, nil
}

func (s *JSONStore) path(namespace string) string {
	return filepath.Join(s.dir, namespace+"."+jsonFileSuffix+".json")
}

// ListKeys implements Store.
func (s *JSONStore) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	creds, err := s.read(namespace)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(creds))
	for i, c := range creds {
		ids[i] = c.AccountID
	}
	return ids, nil
}

// Entries implements Store.
func (s *JSONStore) Entries(ctx context.Context, namespace string) (map[string]string, error) {
	creds, err := s.read(namespace)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]string, len(creds))
	for _, c := range creds {
		entries[c.AccountID] = c.PrivateKey
	}
	return entries, nil
}

// Put implements Store.
func (s *JSONStore) Put(ctx context.Context, namespace string, creds []account.Credential) error {
	if err := validateCredentials(creds); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.read(namespace)
	if err != nil {
		return err
	}
	merged := mergeCredentials(existing, creds)

	data, err := encodeOrdered(merged)
	if err != nil {
		return err
	}

	// Write to a temp file and rename so a crash never leaves a torn file.
	path := s.path(namespace)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace keystore: %w", err)
	}

	s.logger.Info("stored credentials",
		slog.String("namespace", namespace),
		slog.Int("written", len(creds)),
		slog.Int("total", len(merged)),
	)
	return nil
}

// Close implements Store.
func (s *JSONStore) Close() error {
	return nil
}

// read decodes the namespace file keeping key order. A missing file is an
// empty namespace.
func (s *JSONStore) read(namespace string) ([]account.Credential, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(namespace))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}
	creds, err := decodeOrdered(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path(namespace), err)
	}
	return creds, nil
}

// ParseCredentials decodes credentials from either the keystore file form
// (an object of account id to private key, order kept) or an array of
// {"accountId", "privateKey"} entries.
func ParseCredentials(data []byte) ([]account.Credential, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var creds []account.Credential
		if err := json.Unmarshal(trimmed, &creds); err != nil {
			return nil, err
		}
		return creds, validateCredentials(creds)
	}
	creds, err := decodeOrdered(trimmed)
	if err != nil {
		return nil, err
	}
	return creds, validateCredentials(creds)
}

// decodeOrdered walks the object token by token since encoding/json maps
// lose insertion order.
func decodeOrdered(data []byte) ([]account.Credential, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("keystore file must contain a JSON object")
	}

	var creds []account.Credential
	seen := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		id, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		var key string
		if err := dec.Decode(&key); err != nil {
			return nil, fmt.Errorf("value for %q: %w", id, err)
		}
		// Later duplicates win but keep the first position.
		if i, dup := seen[id]; dup {
			creds[i].PrivateKey = key
			continue
		}
		seen[id] = len(creds)
		creds = append(creds, account.Credential{AccountID: id, PrivateKey: key})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return creds, nil
}

func encodeOrdered(creds []account.Credential) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{\n")
	for i, c := range creds {
		id, err := json.Marshal(c.AccountID)
		if err != nil {
			return nil, err
		}
		key, err := json.Marshal(c.PrivateKey)
		if err != nil {
			return nil, err
		}
		buf.WriteString("  ")
		buf.Write(id)
		buf.WriteString(": ")
		buf.Write(key)
		if i < len(creds)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

func mergeCredentials(existing, incoming []account.Credential) []account.Credential {
	merged := make([]account.Credential, len(existing), len(existing)+len(incoming))
	copy(merged, existing)
	pos := make(map[string]int, len(existing))
	for i, c := range merged {
		pos[c.AccountID] = i
	}
	for _, c := range incoming {
		if i, ok := pos[c.AccountID]; ok {
			merged[i].PrivateKey = c.PrivateKey
			continue
		}
		pos[c.AccountID] = len(merged)
		merged = append(merged, c)
	}
	return merged
}
