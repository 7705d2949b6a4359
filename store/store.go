// Package store implements the transactional key-value map the rest of
// the engine persists state through, and the schema-upgrade idiom used
// to read and write the deployment state record across versions.
package store

import (
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// ErrNotFound is returned by Read when the key does not exist, kept
// distinguishable from an empty value per the store contract.
var ErrNotFound = errors.New("store: key not found")

var bucketName = []byte("mender")

// ReadTx is the read side of a transaction: a consistent snapshot of
// the store as of the moment the transaction began.
type ReadTx interface {
	Read(key string) ([]byte, error)
}

// WriteTx additionally allows writes and removals, committed atomically
// when the enclosing function returns nil.
type WriteTx interface {
	ReadTx
	Write(key string, value []byte) error
	Remove(key string) error
}

// Store is the abstract transactional map the rest of the engine
// depends on. BoltStore is the only production implementation; tests
// may use a MemStore for speed.
type Store interface {
	ReadTransaction(fn func(tx ReadTx) error) error
	WriteTransaction(fn func(tx WriteTx) error) error
	Read(key string) ([]byte, error)
	Write(key string, value []byte) error
	Remove(key string) error
	Close() error
}

// BoltStore is a Store backed by a single bbolt database file, used as
// the on-device persistent state store.
type BoltStore struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) a BoltStore at path.
func Open(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

type boltTx struct {
	b *bbolt.Bucket
}

func (t boltTx) Read(key string) ([]byte, error) {
	v := t.b.Get([]byte(key))
	if v == nil {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (t boltTx) Write(key string, value []byte) error {
	return t.b.Put([]byte(key), value)
}

func (t boltTx) Remove(key string) error {
	return t.b.Delete([]byte(key))
}

func (s *BoltStore) ReadTransaction(fn func(tx ReadTx) error) error {
	return s.db.View(func(btx *bbolt.Tx) error {
		return fn(boltTx{b: btx.Bucket(bucketName)})
	})
}

func (s *BoltStore) WriteTransaction(fn func(tx WriteTx) error) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		return fn(boltTx{b: btx.Bucket(bucketName)})
	})
}

func (s *BoltStore) Read(key string) ([]byte, error) {
	var out []byte
	err := s.ReadTransaction(func(tx ReadTx) error {
		v, err := tx.Read(key)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (s *BoltStore) Write(key string, value []byte) error {
	return s.WriteTransaction(func(tx WriteTx) error {
		return tx.Write(key, value)
	})
}

func (s *BoltStore) Remove(key string) error {
	return s.WriteTransaction(func(tx WriteTx) error {
		return tx.Remove(key)
	})
}
