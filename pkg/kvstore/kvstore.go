// Package kvstore is the embedded key-value database behind a vault's
// persistent bookkeeping. Keys are namespaced by bucket prefix.
package kvstore

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"go.uber.org/zap"

	"vaultnet/pkg/types"
)

type DB struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens (or creates) a database under dir. An empty dir or inMemory
// keeps everything in memory.
func Open(dir string, inMemory bool, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if inMemory || dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", types.ErrLocalStorage, err)
	}
	return &DB{db: db, logger: logger}, nil
}

func (d *DB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("%w: failed to close database: %v", types.ErrLocalStorage, err)
	}
	return nil
}

// Bucket returns a view of the keys beginning with name + "/".
func (d *DB) Bucket(name string) *Bucket {
	return &Bucket{db: d, prefix: []byte(name + "/")}
}

type Bucket struct {
	db     *DB
	prefix []byte
}

func (b *Bucket) key(k string) []byte {
	out := make([]byte, 0, len(b.prefix)+len(k))
	out = append(out, b.prefix...)
	return append(out, k...)
}

func (b *Bucket) Put(k string, v []byte) error {
	err := b.db.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(k), v)
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", types.ErrLocalStorage, k, err)
	}
	return nil
}

// Get returns types.ErrNotFound for a missing key.
func (b *Bucket) Get(k string) ([]byte, error) {
	var out []byte
	err := b.db.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(k))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", types.ErrLocalStorage, k, err)
	}
	return out, nil
}

func (b *Bucket) Delete(k string) error {
	err := b.db.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.key(k))
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", types.ErrLocalStorage, k, err)
	}
	return nil
}

// Update runs fn on the current value (nil when absent) inside a single
// transaction and stores the returned value. Returning nil deletes the key.
func (b *Bucket) Update(k string, fn func(old []byte) ([]byte, error)) error {
	err := b.db.db.Update(func(txn *badger.Txn) error {
		var old []byte
		item, err := txn.Get(b.key(k))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if old, err = item.ValueCopy(nil); err != nil {
				return err
			}
		}
		next, err := fn(old)
		if err != nil {
			return err
		}
		if next == nil {
			if old == nil {
				return nil
			}
			return txn.Delete(b.key(k))
		}
		return txn.Set(b.key(k), next)
	})
	if err == nil {
		return nil
	}
	if isTaxonomy(err) {
		return err
	}
	return fmt.Errorf("%w: update %s: %v", types.ErrLocalStorage, k, err)
}

// ForEach visits every key in the bucket in key order. The value slice is
// only valid during the callback.
func (b *Bucket) ForEach(fn func(k string, v []byte) error) error {
	return b.db.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(b.prefix); it.ValidForPrefix(b.prefix); it.Next() {
			item := it.Item()
			k := string(item.Key()[len(b.prefix):])
			if err := item.Value(func(v []byte) error { return fn(k, v) }); err != nil {
				return err
			}
		}
		return nil
	})
}

// isTaxonomy reports errors produced by Update callbacks, which pass through
// unchanged.
func isTaxonomy(err error) bool {
	for _, e := range []error{types.ErrNotFound, types.ErrPermission, types.ErrDuplicateKey, types.ErrInvalidRequest, types.ErrIntegrity, types.ErrQuota, types.ErrRoleConflict} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
