// Package store provides run log storage. KV is a small redis-like primitive set (sorted sets, lists and
// strings) with several backends, LogStore maps jobs, runs and their logs onto KV keys.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
)

// KV defines the primitive operations used by LogStore. Every method is atomic for a single key,
// sorted sets are ordered by score and ties are broken by member.
type KV interface {
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRange(ctx context.Context, key string) ([]string, error)
	ZRevRange(ctx context.Context, key string) ([]string, error)
	ZRem(ctx context.Context, key, member string) error
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Del(ctx context.Context, keys ...string) error
	RPush(ctx context.Context, key, value string) error
	LRange(ctx context.Context, key string) ([]string, error)
	Close() error
}

// Type of the KV backend
type Type string

// supported backends
const (
	TypeRedis  Type = "redis"
	TypeSQLite Type = "sqlite"
	TypeBolt   Type = "bolt"
)

// Params for Open
type Params struct {
	Type   Type
	Redis  RedisParams
	SQLite string // sqlite file path
	Bolt   string // bolt file path

	// connect retry, applied to the initial open only
	Attempts int
	Duration time.Duration
	Factor   float64
}

// Open makes KV for the given params. The initial connection is retried with backoff,
// operations on the returned KV are never retried.
func Open(ctx context.Context, p Params) (KV, error) {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Duration <= 0 {
		p.Duration = time.Second
	}
	if p.Factor < 1 {
		p.Factor = 2
	}
	rptr := repeater.New(&strategy.Backoff{Repeats: p.Attempts, Duration: p.Duration, Factor: p.Factor})

	var open func() (KV, error)
	switch p.Type {
	case TypeRedis:
		open = func() (KV, error) { return NewRedis(ctx, p.Redis) }
	case TypeSQLite:
		open = func() (KV, error) { return NewSQLite(p.SQLite) }
	case TypeBolt:
		open = func() (KV, error) { return NewBolt(p.Bolt) }
	default:
		return nil, fmt.Errorf("unsupported store type %q", p.Type)
	}

	var res KV
	err := rptr.Do(ctx, func() (err error) {
		if res, err = open(); err != nil {
			log.Printf("[WARN] can't open %s store, %v", p.Type, err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("can't open %s store: %w", p.Type, err)
	}
	log.Printf("[DEBUG] %s store opened", p.Type)
	return res, nil
}

// ErrBadValue returned when a stored timestamp can't be parsed
var ErrBadValue = errors.New("bad stored value")

// ErrEmptyKey returned by every backend for an empty key or sorted set member
var ErrEmptyKey = errors.New("empty key or member")

func checkKeys(keys ...string) error {
	for _, k := range keys {
		if k == "" {
			return ErrEmptyKey
		}
	}
	return nil
}
