package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/gateway-fm/callbench/internal/account"
)

// BadgerStore implements Store on an embedded BadgerDB.
//
// Layout per namespace:
//
//	<ns>/s/<seq, zero padded>  -> JSON credential
//	<ns>/a/<account id>        -> seq
//
// Iterating the s/ prefix yields insertion order.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore opens (or creates) a BadgerDB in dir.
func NewBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithIndexCacheSize(16 << 20).
		WithLogger(badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", dir, err)
	}
	logger.Debug("opened badger keystore", slog.String("path", dir))

	return &BadgerStore{db: db, logger: logger}, nil
}

func seqKey(namespace string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/s/%020d", namespace, seq))
}

func idKey(namespace, id string) []byte {
	return []byte(namespace + "/a/" + id)
}

func seqPrefix(namespace string) []byte {
	return []byte(namespace + "/s/")
}

// ListKeys implements Store.
func (b *BadgerStore) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	var ids []string
	err := b.scan(namespace, func(c account.Credential) {
		ids = append(ids, c.AccountID)
	})
	return ids, err
}

// Entries implements Store.
func (b *BadgerStore) Entries(ctx context.Context, namespace string) (map[string]string, error) {
	entries := make(map[string]string)
	err := b.scan(namespace, func(c account.Credential) {
		entries[c.AccountID] = c.PrivateKey
	})
	return entries, err
}

func (b *BadgerStore) scan(namespace string, fn func(account.Credential)) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = seqPrefix(namespace)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var c account.Credential
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			})
			if err != nil {
				return fmt.Errorf("failed to decode %s: %w", it.Item().Key(), err)
			}
			fn(c)
		}
		return nil
	})
}

// Put implements Store.
func (b *BadgerStore) Put(ctx context.Context, namespace string, creds []account.Credential) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if err := validateCredentials(creds); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		next, err := nextSeq(txn, namespace)
		if err != nil {
			return err
		}

		for _, c := range creds {
			seq := next
			existing, err := lookupSeq(txn, namespace, c.AccountID)
			switch {
			case err == nil:
				seq = existing
			case errors.Is(err, badger.ErrKeyNotFound):
				next++
			default:
				return err
			}

			value, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := txn.Set(seqKey(namespace, seq), value); err != nil {
				return err
			}
			if err := txn.Set(idKey(namespace, c.AccountID), []byte(strconv.FormatUint(seq, 10))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	b.logger.Info("stored credentials",
		slog.String("namespace", namespace),
		slog.Int("written", len(creds)),
	)
	return nil
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// nextSeq returns one past the highest sequence in the namespace.
func nextSeq(txn *badger.Txn, namespace string) (uint64, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = true
	opts.Prefix = seqPrefix(namespace)
	it := txn.NewIterator(opts)
	defer it.Close()

	// Reverse iteration seeks to the greatest key <= the seek key.
	it.Seek(append(seqPrefix(namespace), 0xff))
	if !it.Valid() {
		return 0, nil
	}
	raw := strings.TrimPrefix(string(it.Item().Key()), string(seqPrefix(namespace)))
	last, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt sequence key %q: %w", it.Item().Key(), err)
	}
	return last + 1, nil
}

func lookupSeq(txn *badger.Txn, namespace, id string) (uint64, error) {
	item, err := txn.Get(idKey(namespace, id))
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = item.Value(func(val []byte) error {
		seq, err = strconv.ParseUint(string(val), 10, 64)
		return err
	})
	return seq, err
}

// badgerLogger routes badger's internal logging to slog, demoting its info
// chatter to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
