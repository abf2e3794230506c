package checkpoint

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketCompleted = []byte("completed")

// BoltStore keeps completed keys in a bbolt bucket. Bolt serializes write
// transactions and syncs on commit.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCompleted)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketCompleted, err)
	}

	return &BoltStore{db: db}, nil
}

// Load returns every key in the completed bucket.
func (s *BoltStore) Load(ctx context.Context) (Set, error) {
	set := Set{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCompleted)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			if len(k) != 8 {
				return fmt.Errorf("key %x: %w", k, ErrCorrupt)
			}
			set.Add(int64(binary.BigEndian.Uint64(k)))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	return set, nil
}

// Append records key in its own write transaction. The value is the
// completion time.
func (s *BoltStore) Append(ctx context.Context, key int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(key))

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCompleted)
		if b == nil {
			return ErrClosed
		}
		stamp := []byte(time.Now().UTC().Format(time.RFC3339))
		if err := b.Put(k[:], stamp); err != nil {
			return fmt.Errorf("put checkpoint %d: %w", key, err)
		}
		return nil
	})
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
