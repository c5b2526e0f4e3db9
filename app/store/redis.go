package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisParams defines connection to redis server
type RedisParams struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// Redis implements KV with redis server
type Redis struct {
	client *redis.Client
}

// NewRedis makes redis client and checks the connection
func NewRedis(ctx context.Context, p RedisParams) (*Redis, error) {
	if p.Addr == "" {
		p.Addr = "localhost:6379"
	}
	opts := &redis.Options{Addr: p.Addr, Password: p.Password, DB: p.DB}
	if p.Timeout > 0 {
		opts.DialTimeout, opts.ReadTimeout, opts.WriteTimeout = p.Timeout, p.Timeout, p.Timeout
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping %s: %w (also failed to close client: %v)", p.Addr, err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping %s: %w", p.Addr, err)
	}
	return &Redis{client: client}, nil
}

// ZAdd adds member with score, updates score for existing member
func (r *Redis) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := checkKeys(key, member); err != nil {
		return err
	}
	return r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRange returns all members, lowest score first
func (r *Redis) ZRange(ctx context.Context, key string) ([]string, error) {
	if err := checkKeys(key); err != nil {
		return nil, err
	}
	return r.client.ZRange(ctx, key, 0, -1).Result()
}

// ZRevRange returns all members, highest score first
func (r *Redis) ZRevRange(ctx context.Context, key string) ([]string, error) {
	if err := checkKeys(key); err != nil {
		return nil, err
	}
	return r.client.ZRevRange(ctx, key, 0, -1).Result()
}

// ZRem removes member, no error if missing
func (r *Redis) ZRem(ctx context.Context, key, member string) error {
	if err := checkKeys(key, member); err != nil {
		return err
	}
	return r.client.ZRem(ctx, key, member).Err()
}

// Set stores string value without expiration
func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := checkKeys(key); err != nil {
		return err
	}
	return r.client.Set(ctx, key, value, 0).Err()
}

// Get returns string value, found is false for missing key
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	if err := checkKeys(key); err != nil {
		return "", false, err
	}
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Del removes keys of any type
func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := checkKeys(keys...); err != nil {
		return err
	}
	return r.client.Del(ctx, keys...).Err()
}

// RPush appends value to the list
func (r *Redis) RPush(ctx context.Context, key, value string) error {
	if err := checkKeys(key); err != nil {
		return err
	}
	return r.client.RPush(ctx, key, value).Err()
}

// LRange returns the whole list
func (r *Redis) LRange(ctx context.Context, key string) ([]string, error) {
	if err := checkKeys(key); err != nil {
		return nil, err
	}
	return r.client.LRange(ctx, key, 0, -1).Result()
}

// Close the client
func (r *Redis) Close() error {
	return r.client.Close()
}
