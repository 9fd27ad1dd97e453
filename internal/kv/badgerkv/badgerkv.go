// Package badgerkv implements kv.Store on top of BadgerDB.
package badgerkv

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/lanshare/lanshare/internal/kv"
)

// Store is a badger-backed kv.Store.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a store in dir. With inMemory set, dir is ignored
// and nothing touches the disk.
func Open(dir string, inMemory bool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(&zapAdapter{s: logger.Named("badger").Sugar()})
	if inMemory {
		opts = badger.DefaultOptions("").
			WithInMemory(true).
			WithLogger(&zapAdapter{s: logger.Named("badger").Sugar()})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Get implements kv.Store.
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Put implements kv.Store.
func (s *Store) Put(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete implements kv.Store.
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Iterate implements kv.Store.
func (s *Store) Iterate(prefix string, fn func(key string, value []byte) error) error {
	p := []byte(prefix)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close implements kv.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

// zapAdapter routes badger's logger into zap. Badger is chatty at info, so
// info and debug go to debug.
type zapAdapter struct {
	s *zap.SugaredLogger
}

func (a *zapAdapter) Errorf(format string, args ...interface{})   { a.s.Errorf(format, args...) }
func (a *zapAdapter) Warningf(format string, args ...interface{}) { a.s.Warnf(format, args...) }
func (a *zapAdapter) Infof(format string, args ...interface{})    { a.s.Debugf(format, args...) }
func (a *zapAdapter) Debugf(format string, args ...interface{})   { a.s.Debugf(format, args...) }
