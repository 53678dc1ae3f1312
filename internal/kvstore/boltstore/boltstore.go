// Package boltstore implements kvstore.Store on a bbolt database.
package boltstore

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	"kvsync/internal/kvstore"
)

const backendName = "bolt"

// bbolt rejects empty bucket names and cannot tell an empty value from a
// missing one, so bucket names and values carry a one-byte tag.
const (
	primaryTag   byte = 'p'
	secondaryTag byte = 's'
	valueTag     byte = 1
)

var errCorrupt = errors.New("record without value tag")

// Store implements kvstore.Store using bbolt (embedded B+ tree). Each
// primary namespace is a top-level bucket holding one nested bucket per
// secondary namespace.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a bbolt database at the given path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	return &Store{db: db}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.db.Path() }

func (s *Store) Read(primary, secondary, key string) ([]byte, error) {
	if err := kvstore.CheckKey("read", primary, secondary, key); err != nil {
		return nil, err
	}
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := bucket(tx, primary, secondary)
		if b == nil {
			return kvstore.ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return kvstore.ErrNotFound
		}
		if len(v) == 0 || v[0] != valueTag {
			return errCorrupt
		}
		val = make([]byte, len(v)-1)
		copy(val, v[1:])
		return nil
	})
	if err != nil {
		return nil, s.wrap("read", err)
	}
	return val, nil
}

func (s *Store) Write(primary, secondary, key string, data []byte) error {
	if err := kvstore.CheckKey("write", primary, secondary, key); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		pb, err := tx.CreateBucketIfNotExists(bucketName(primaryTag, primary))
		if err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
		sb, err := pb.CreateBucketIfNotExists(bucketName(secondaryTag, secondary))
		if err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
		v := make([]byte, 0, len(data)+1)
		v = append(v, valueTag)
		v = append(v, data...)
		return sb.Put([]byte(key), v)
	})
	return s.wrap("write", err)
}

// Remove deletes the key and drops buckets left empty. bbolt commits are
// synchronous, so lazy makes no difference.
func (s *Store) Remove(primary, secondary, key string, _ bool) error {
	if err := kvstore.CheckKey("remove", primary, secondary, key); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket(bucketName(primaryTag, primary))
		if pb == nil {
			return nil
		}
		sname := bucketName(secondaryTag, secondary)
		sb := pb.Bucket(sname)
		if sb == nil {
			return nil
		}
		if err := sb.Delete([]byte(key)); err != nil {
			return err
		}
		if k, _ := sb.Cursor().First(); k != nil {
			return nil
		}
		if err := pb.DeleteBucket(sname); err != nil {
			return err
		}
		if k, _ := pb.Cursor().First(); k != nil {
			return nil
		}
		return tx.DeleteBucket(bucketName(primaryTag, primary))
	})
	return s.wrap("remove", err)
}

func (s *Store) List(primary, secondary string) ([]string, error) {
	if err := kvstore.CheckNamespace("list", primary, secondary); err != nil {
		return nil, err
	}
	keys := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := bucket(tx, primary, secondary)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if v != nil {
				keys = append(keys, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, s.wrap("list", err)
	}
	return keys, nil
}

// Snapshot returns a copy of every record under the namespace pair.
func (s *Store) Snapshot(primary, secondary string) (map[string][]byte, error) {
	if err := kvstore.CheckNamespace("snapshot", primary, secondary); err != nil {
		return nil, err
	}
	result := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := bucket(tx, primary, secondary)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if v == nil {
				return nil
			}
			if len(v) == 0 || v[0] != valueTag {
				return errCorrupt
			}
			val := make([]byte, len(v)-1)
			copy(val, v[1:])
			result[string(k)] = val
			return nil
		})
	})
	if err != nil {
		return nil, s.wrap("snapshot", err)
	}
	return result, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) wrap(op string, err error) error {
	if errors.Is(err, berrors.ErrDatabaseNotOpen) {
		return kvstore.ErrClosed
	}
	return kvstore.WrapIO(backendName, op, err)
}

func bucket(tx *bolt.Tx, primary, secondary string) *bolt.Bucket {
	pb := tx.Bucket(bucketName(primaryTag, primary))
	if pb == nil {
		return nil
	}
	return pb.Bucket(bucketName(secondaryTag, secondary))
}

func bucketName(tag byte, name string) []byte {
	b := make([]byte, 0, len(name)+1)
	b = append(b, tag)
	return append(b, name...)
}

var (
	_ kvstore.Store       = (*Store)(nil)
	_ kvstore.Snapshotter = (*Store)(nil)
)
