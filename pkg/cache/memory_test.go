package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

func TestMemoryCache_SetGetRoundTrip(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "k", sample{Name: "a", Value: 0.5}, time.Minute))

	var got sample
	require.NoError(t, mc.Get(ctx, "k", &got))
	assert.Equal(t, sample{Name: "a", Value: 0.5}, got)

	typed, err := GetTyped[sample](ctx, mc, "k")
	require.NoError(t, err)
	assert.Equal(t, got, typed)
}

func TestMemoryCache_MissAndExpiry(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	ctx := context.Background()

	var got sample
	assert.ErrorIs(t, mc.Get(ctx, "absent", &got), ErrCacheMiss)

	require.NoError(t, mc.Set(ctx, "short", sample{Name: "x"}, time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	assert.ErrorIs(t, mc.Get(ctx, "short", &got), ErrCacheMiss)

	ok, err := mc.Exists(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	mc := NewMemoryCache(WithMemoryMaxSize(2))
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "a", 1, 0))
	time.Sleep(time.Millisecond)
	require.NoError(t, mc.Set(ctx, "b", 2, 0))
	time.Sleep(time.Millisecond)

	var v int
	require.NoError(t, mc.Get(ctx, "a", &v)) // touch a
	time.Sleep(time.Millisecond)
	require.NoError(t, mc.Set(ctx, "c", 3, 0))

	assert.Equal(t, 2, mc.Len())
	assert.ErrorIs(t, mc.Get(ctx, "b", &v), ErrCacheMiss)
	require.NoError(t, mc.Get(ctx, "a", &v))
	assert.Equal(t, 1, v)
}

func TestMemoryCache_TryLock(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	ctx := context.Background()

	ok, err := mc.TryLock(ctx, "lock:x", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = mc.TryLock(ctx, "lock:x", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mc.Unlock(ctx, "lock:x"))
	ok, err = mc.TryLock(ctx, "lock:x", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryCache_CloseIsIdempotent(t *testing.T) {
	mc := NewMemoryCache(WithMemoryCleanup(time.Millisecond))
	require.NoError(t, mc.Close())
	require.NoError(t, mc.Close())
}

func TestLayeredCache_ReadsThroughToRemote(t *testing.T) {
	remote := NewMemoryCache()
	lc := NewLayeredCache(remote, WithLayeredMemoryTTL(time.Minute))
	defer lc.Close()
	ctx := context.Background()

	require.NoError(t, remote.Set(ctx, "k", sample{Name: "remote"}, 0))

	var got sample
	require.NoError(t, lc.Get(ctx, "k", &got))
	assert.Equal(t, "remote", got.Name)

	// served from L1 after the remote entry is gone
	require.NoError(t, remote.Delete(ctx, "k"))
	got = sample{}
	require.NoError(t, lc.Get(ctx, "k", &got))
	assert.Equal(t, "remote", got.Name)

	require.NoError(t, lc.Delete(ctx, "k"))
	assert.ErrorIs(t, lc.Get(ctx, "k", &got), ErrCacheMiss)
}

func TestSetKey_OrderIndependent(t *testing.T) {
	a := SetKey("corr", []string{"e2", "e1", "e3"})
	b := SetKey("corr", []string{"e3", "e2", "e1"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, SetKey("corr", []string{"e1", "e2"}))
}
