package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	zsetsBucket   = "zsets"
	stringsBucket = "strings"
	listsBucket   = "lists"
)

// boltLockTimeout is how long an operation waits for the file lock held by another process
const boltLockTimeout = 5 * time.Second

// Bolt implements KV with local boltdb file. Each sorted set and list is a nested bucket.
// The file is opened for every operation, so the lock is held only for a single transaction and
// several processes can share the file.
type Bolt struct {
	path string
}

// NewBolt creates boltdb file if missing and makes top level buckets
func NewBolt(path string) (*Bolt, error) {
	if path == "" {
		return nil, errors.New("empty bolt path")
	}
	b := &Bolt{path: path}
	err := b.update(func(tx *bolt.Tx) error {
		for _, name := range []string{zsetsBucket, stringsBucket, listsBucket} {
			if _, e := tx.CreateBucketIfNotExists([]byte(name)); e != nil {
				return fmt.Errorf("create %s bucket: %w", name, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// update runs fn in a write transaction of freshly opened db
func (b *Bolt) update(fn func(tx *bolt.Tx) error) error {
	db, err := bolt.Open(b.path, 0o600, &bolt.Options{Timeout: boltLockTimeout})
	if err != nil {
		return fmt.Errorf("failed to open boltdb at %s: %w", b.path, err)
	}
	if err := db.Update(fn); err != nil {
		_ = db.Close()
		return err
	}
	return db.Close()
}

// view runs fn in a read transaction, readers share the file lock
func (b *Bolt) view(fn func(tx *bolt.Tx) error) error {
	db, err := bolt.Open(b.path, 0o600, &bolt.Options{Timeout: boltLockTimeout, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to open boltdb at %s: %w", b.path, err)
	}
	if err := db.View(fn); err != nil {
		_ = db.Close()
		return err
	}
	return db.Close()
}

// ZAdd adds member with score, updates score for existing member
func (b *Bolt) ZAdd(_ context.Context, key, member string, score float64) error {
	if err := checkKeys(key, member); err != nil {
		return err
	}
	return b.update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket([]byte(zsetsBucket)).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return fmt.Errorf("create zset %s: %w", key, err)
		}
		val := make([]byte, 8)
		binary.BigEndian.PutUint64(val, math.Float64bits(score))
		return bkt.Put([]byte(member), val)
	})
}

type scored struct {
	member string
	score  float64
}

func (b *Bolt) zset(key string) (res []scored, err error) {
	if err := checkKeys(key); err != nil {
		return nil, err
	}
	err = b.view(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(zsetsBucket)).Bucket([]byte(key))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("%w: score of %s in %s", ErrBadValue, k, key)
			}
			res = append(res, scored{member: string(k), score: math.Float64frombits(binary.BigEndian.Uint64(v))})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].score != res[j].score {
			return res[i].score < res[j].score
		}
		return res[i].member < res[j].member
	})
	return res, nil
}

// ZRange returns all members, lowest score first
func (b *Bolt) ZRange(_ context.Context, key string) ([]string, error) {
	items, err := b.zset(key)
	if err != nil {
		return nil, err
	}
	res := make([]string, 0, len(items))
	for _, it := range items {
		res = append(res, it.member)
	}
	return res, nil
}

// ZRevRange returns all members, highest score first
func (b *Bolt) ZRevRange(_ context.Context, key string) ([]string, error) {
	items, err := b.zset(key)
	if err != nil {
		return nil, err
	}
	res := make([]string, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		res = append(res, items[i].member)
	}
	return res, nil
}

// ZRem removes member, no error if missing
func (b *Bolt) ZRem(_ context.Context, key, member string) error {
	if err := checkKeys(key, member); err != nil {
		return err
	}
	return b.update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(zsetsBucket)).Bucket([]byte(key))
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(member))
	})
}

// Set stores string value
func (b *Bolt) Set(_ context.Context, key, value string) error {
	if err := checkKeys(key); err != nil {
		return err
	}
	return b.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(stringsBucket)).Put([]byte(key), []byte(value))
	})
}

// Get returns string value, found is false for missing key
func (b *Bolt) Get(_ context.Context, key string) (val string, found bool, err error) {
	if err := checkKeys(key); err != nil {
		return "", false, err
	}
	err = b.view(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(stringsBucket)).Get([]byte(key)); v != nil {
			val, found = string(v), true
		}
		return nil
	})
	return val, found, err
}

// Del removes keys of any type
func (b *Bolt) Del(_ context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := checkKeys(keys...); err != nil {
		return err
	}
	return b.update(func(tx *bolt.Tx) error {
		for _, key := range keys {
			if err := tx.Bucket([]byte(stringsBucket)).Delete([]byte(key)); err != nil {
				return fmt.Errorf("delete string %s: %w", key, err)
			}
			for _, name := range []string{zsetsBucket, listsBucket} {
				parent := tx.Bucket([]byte(name))
				if parent.Bucket([]byte(key)) == nil {
					continue
				}
				if err := parent.DeleteBucket([]byte(key)); err != nil {
					return fmt.Errorf("delete %s %s: %w", name, key, err)
				}
			}
		}
		return nil
	})
}

// RPush appends value to the list
func (b *Bolt) RPush(_ context.Context, key, value string) error {
	if err := checkKeys(key); err != nil {
		return err
	}
	return b.update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket([]byte(listsBucket)).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return fmt.Errorf("create list %s: %w", key, err)
		}
		seq, err := bkt.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence for %s: %w", key, err)
		}
		id := make([]byte, 8)
		binary.BigEndian.PutUint64(id, seq)
		return bkt.Put(id, []byte(value))
	})
}

// LRange returns the whole list in insertion order
func (b *Bolt) LRange(_ context.Context, key string) ([]string, error) {
	if err := checkKeys(key); err != nil {
		return nil, err
	}
	res := []string{}
	err := b.view(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(listsBucket)).Bucket([]byte(key))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(_, v []byte) error {
			res = append(res, string(v))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Close does nothing, the file is closed after every operation
func (b *Bolt) Close() error { return nil }
