package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kvBackends makes all KV implementations, each with its own empty storage
func kvBackends(t *testing.T) map[string]KV {
	t.Helper()
	tmpDir := t.TempDir()

	mr := miniredis.RunT(t)
	rd, err := NewRedis(context.Background(), RedisParams{Addr: mr.Addr()})
	require.NoError(t, err)

	sq, err := NewSQLite(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)

	bl, err := NewBolt(filepath.Join(tmpDir, "test.bolt"))
	require.NoError(t, err)

	res := map[string]KV{"redis": rd, "sqlite": sq, "bolt": bl}
	t.Cleanup(func() {
		for _, kv := range res {
			_ = kv.Close()
		}
	})
	return res
}

func TestKV_SortedSet(t *testing.T) {
	ctx := context.Background()
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, kv.ZAdd(ctx, "zs", "c", 3))
			require.NoError(t, kv.ZAdd(ctx, "zs", "a", 1))
			require.NoError(t, kv.ZAdd(ctx, "zs", "b", 2))
			require.NoError(t, kv.ZAdd(ctx, "other", "x", 0))

			res, err := kv.ZRange(ctx, "zs")
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "c"}, res)

			res, err = kv.ZRevRange(ctx, "zs")
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "b", "a"}, res)

			// re-adding existing member moves it
			require.NoError(t, kv.ZAdd(ctx, "zs", "a", 10))
			res, err = kv.ZRange(ctx, "zs")
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "c", "a"}, res)

			require.NoError(t, kv.ZRem(ctx, "zs", "c"))
			require.NoError(t, kv.ZRem(ctx, "zs", "not-there"))
			require.NoError(t, kv.ZRem(ctx, "no-such-key", "c"))
			res, err = kv.ZRange(ctx, "zs")
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "a"}, res)

			res, err = kv.ZRange(ctx, "no-such-key")
			require.NoError(t, err)
			assert.Empty(t, res)
		})
	}
}

func TestKV_SortedSetTies(t *testing.T) {
	ctx := context.Background()
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			for _, m := range []string{"m2", "m3", "m1"} {
				require.NoError(t, kv.ZAdd(ctx, "ties", m, 1.5))
			}
			res, err := kv.ZRange(ctx, "ties")
			require.NoError(t, err)
			assert.Equal(t, []string{"m1", "m2", "m3"}, res)

			res, err = kv.ZRevRange(ctx, "ties")
			require.NoError(t, err)
			assert.Equal(t, []string{"m3", "m2", "m1"}, res)
		})
	}
}

func TestKV_Strings(t *testing.T) {
	ctx := context.Background()
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, found, err := kv.Get(ctx, "k1")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, kv.Set(ctx, "k1", "v1"))
			val, found, err := kv.Get(ctx, "k1")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "v1", val)

			require.NoError(t, kv.Set(ctx, "k1", "v2"))
			val, _, err = kv.Get(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, "v2", val)
		})
	}
}

func TestKV_Lists(t *testing.T) {
	ctx := context.Background()
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			res, err := kv.LRange(ctx, "l1")
			require.NoError(t, err)
			assert.Empty(t, res)

			for _, v := range []string{"one", "two", "three", "two"} {
				require.NoError(t, kv.RPush(ctx, "l1", v))
			}
			require.NoError(t, kv.RPush(ctx, "l2", "other"))

			res, err = kv.LRange(ctx, "l1")
			require.NoError(t, err)
			assert.Equal(t, []string{"one", "two", "three", "two"}, res)
		})
	}
}

func TestKV_Del(t *testing.T) {
	ctx := context.Background()
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, kv.Set(ctx, "s", "v"))
			require.NoError(t, kv.RPush(ctx, "l", "v"))
			require.NoError(t, kv.ZAdd(ctx, "z", "m", 1))
			require.NoError(t, kv.Set(ctx, "keep", "v"))

			require.NoError(t, kv.Del(ctx, "s", "l", "z", "missing"))
			require.NoError(t, kv.Del(ctx))

			_, found, err := kv.Get(ctx, "s")
			require.NoError(t, err)
			assert.False(t, found)
			lst, err := kv.LRange(ctx, "l")
			require.NoError(t, err)
			assert.Empty(t, lst)
			zs, err := kv.ZRange(ctx, "z")
			require.NoError(t, err)
			assert.Empty(t, zs)

			_, found, err = kv.Get(ctx, "keep")
			require.NoError(t, err)
			assert.True(t, found)

			// list recreated after delete starts from scratch
			require.NoError(t, kv.RPush(ctx, "l", "fresh"))
			lst, err = kv.LRange(ctx, "l")
			require.NoError(t, err)
			assert.Equal(t, []string{"fresh"}, lst)
		})
	}
}

func TestKV_EmptyKeys(t *testing.T) {
	ctx := context.Background()
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, kv.ZAdd(ctx, "", "m", 1), ErrEmptyKey)
			require.ErrorIs(t, kv.ZAdd(ctx, "zs", "", 1), ErrEmptyKey)
			require.ErrorIs(t, kv.ZRem(ctx, "zs", ""), ErrEmptyKey)
			_, err := kv.ZRange(ctx, "")
			require.ErrorIs(t, err, ErrEmptyKey)
			_, err = kv.ZRevRange(ctx, "")
			require.ErrorIs(t, err, ErrEmptyKey)
			require.ErrorIs(t, kv.Set(ctx, "", "v"), ErrEmptyKey)
			_, _, err = kv.Get(ctx, "")
			require.ErrorIs(t, err, ErrEmptyKey)
			require.ErrorIs(t, kv.RPush(ctx, "", "v"), ErrEmptyKey)
			_, err = kv.LRange(ctx, "")
			require.ErrorIs(t, err, ErrEmptyKey)
			require.ErrorIs(t, kv.Del(ctx, "k", ""), ErrEmptyKey)

			res, err := kv.ZRange(ctx, "zs")
			require.NoError(t, err)
			assert.Empty(t, res, "nothing stored")
		})
	}
}

func TestBolt_SharedFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.bolt")

	first, err := NewBolt(path)
	require.NoError(t, err)
	second, err := NewBolt(path)
	require.NoError(t, err, "second instance opens the same file")

	require.NoError(t, first.RPush(ctx, "log", "from first"))
	require.NoError(t, second.RPush(ctx, "log", "from second"))
	require.NoError(t, second.ZAdd(ctx, "jobs", "j2", 2))
	require.NoError(t, first.ZAdd(ctx, "jobs", "j1", 1))

	for _, kv := range []KV{first, second} {
		lines, err := kv.LRange(ctx, "log")
		require.NoError(t, err)
		assert.Equal(t, []string{"from first", "from second"}, lines)
		jobs, err := kv.ZRevRange(ctx, "jobs")
		require.NoError(t, err)
		assert.Equal(t, []string{"j2", "j1"}, jobs)
	}

	// concurrent writers wait for each other instead of failing
	done := make(chan error, 2)
	for _, kv := range []KV{first, second} {
		go func() {
			for i := 0; i < 20; i++ {
				if err := kv.RPush(ctx, "busy", "x"); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}()
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	lines, err := first.LRange(ctx, "busy")
	require.NoError(t, err)
	assert.Len(t, lines, 40)

	require.NoError(t, first.Close())
	require.NoError(t, second.Close())
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("sqlite", func(t *testing.T) {
		kv, err := Open(ctx, Params{Type: TypeSQLite, SQLite: filepath.Join(t.TempDir(), "test.db")})
		require.NoError(t, err)
		assert.IsType(t, &SQLite{}, kv)
		require.NoError(t, kv.Close())
	})

	t.Run("bolt", func(t *testing.T) {
		kv, err := Open(ctx, Params{Type: TypeBolt, Bolt: filepath.Join(t.TempDir(), "test.bolt")})
		require.NoError(t, err)
		assert.IsType(t, &Bolt{}, kv)
		require.NoError(t, kv.Close())
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		kv, err := Open(ctx, Params{Type: TypeRedis, Redis: RedisParams{Addr: mr.Addr()}})
		require.NoError(t, err)
		assert.IsType(t, &Redis{}, kv)
		require.NoError(t, kv.Close())
	})

	t.Run("redis not available", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		st := time.Now()
		_, err := Open(ctx, Params{Type: TypeRedis, Redis: RedisParams{Addr: addr, Timeout: 100 * time.Millisecond},
			Attempts: 3, Duration: 10 * time.Millisecond, Factor: 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "can't open redis store")
		assert.GreaterOrEqual(t, time.Since(st), 20*time.Millisecond, "retried with delays")
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, err := Open(ctx, Params{Type: "blah"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unsupported store type "blah"`)
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := Open(ctx, Params{Type: TypeSQLite})
		require.Error(t, err)
		_, err = Open(ctx, Params{Type: TypeBolt})
		require.Error(t, err)
	})
}
