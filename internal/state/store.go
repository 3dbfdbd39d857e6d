// Package state is the host key-value store.
//
// Every contract call runs inside one badger transaction. Values are msgpack
// encoded. A call that fails leaves no trace: badger discards the pending
// writes of a transaction that is not committed.
package state

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrReadOnly = errors.New("state: read-only transaction")

type Config struct {
	Path       string // empty keeps everything in memory
	SyncWrites bool
	Logger     *logrus.Logger
}

type Store struct {
	config Config
	db     *badger.DB
	log    *logrus.Logger
}

func Open(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	var opts badger.Options
	if config.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithMemTableSize(16 << 20)
	} else {
		opts = badger.DefaultOptions(config.Path)
	}
	opts.Logger = nil
	opts.SyncWrites = config.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening state store: %w", err)
	}
	config.Logger.WithFields(logrus.Fields{
		"path":      config.Path,
		"in_memory": config.Path == "",
	}).Debug("state store opened")

	return &Store{config: config, db: db, log: config.Logger}, nil
}

func (s *Store) Close() error {
	if s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}

// Update runs fn in a read-write transaction and commits if fn succeeds.
func (s *Store) Update(fn func(*Txn) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn})
	})
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(*Txn) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn, readOnly: true})
	})
}

// Scratch runs fn in a writable transaction that is always discarded.
// Reads that compute derived values use it.
func (s *Store) Scratch(fn func(*Txn) error) error {
	txn := s.db.NewTransaction(true)
	defer txn.Discard()
	return fn(&Txn{txn: txn})
}

// Ping reports whether the store can serve a read.
func (s *Store) Ping() error {
	return s.View(func(txn *Txn) error {
		_, err := txn.Has([]byte("chain/head"))
		return err
	})
}

type Txn struct {
	txn      *badger.Txn
	readOnly bool
}

// Key joins parts with "/".
func Key(parts ...string) []byte {
	return []byte(strings.Join(parts, "/"))
}

// Get decodes the value at key into v and reports whether it was present.
func (t *Txn) Get(key []byte, v interface{}) (bool, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return false, err
	}
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func (t *Txn) Has(key []byte) (bool, error) {
	_, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (t *Txn) Set(key []byte, v interface{}) error {
	if t.readOnly {
		return ErrReadOnly
	}
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return t.txn.Set(key, raw)
}

func (t *Txn) Delete(key []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	return t.txn.Delete(key)
}

// Iterate visits every key under prefix in order. decode unmarshals the
// current value.
func (t *Txn) Iterate(prefix []byte, fn func(key []byte, decode func(v interface{}) error) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		decode := func(v interface{}) error {
			return item.Value(func(raw []byte) error {
				return msgpack.Unmarshal(raw, v)
			})
		}
		if err := fn(bytes.TrimPrefix(key, prefix), decode); err != nil {
			return err
		}
	}
	return nil
}
