package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("command_state")

// BoltStore keeps values in a single bbolt bucket keyed by Key.String.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (and creates) the database file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage.path is required for the bolt backend")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := key.Validate(); err != nil {
		return nil, false, err
	}

	var value []byte
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltBucket).Get([]byte(key.String()))
		if raw == nil {
			return nil
		}
		// bbolt memory is only valid inside the transaction
		value = append([]byte{}, raw...)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}

	return value, found, nil
}

func (s *BoltStore) Put(ctx context.Context, key Key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := key.Validate(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key.String()), value)
	})
}

func (s *BoltStore) Delete(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := key.Validate(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key.String()))
	})
}

func (s *BoltStore) List(ctx context.Context, prefix Key) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rawPrefix, err := prefix.prefixString()
	if err != nil {
		return nil, err
	}

	var keys []Key
	err = s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(boltBucket).Cursor()
		seek := []byte(rawPrefix)
		for k, _ := cursor.Seek(seek); k != nil && bytes.HasPrefix(k, seek); k, _ = cursor.Next() {
			key, err := ParseKey(string(k))
			if err != nil {
				// skip entries written by something else
				continue
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", rawPrefix, err)
	}

	return keys, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
