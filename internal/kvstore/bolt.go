package kvstore

import (
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
)

var bucketName = []byte("fp2addr")

// BoltStore is the default on-disk Store: a single bucket, opened with
// a short lock timeout so a stuck prior process is reported rather
// than hung on.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) a bolt database at path with a
// single bucket for fingerprint→address entries.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("kvstore: open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Get returns the value stored under key, or ErrNotFound.
func (b *BoltStore) Get(key []byte) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put writes key → value, overwriting any existing entry.
func (b *BoltStore) Put(key, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, value)
	})
}

// Close releases the underlying file lock.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

var _ Store = (*BoltStore)(nil)
