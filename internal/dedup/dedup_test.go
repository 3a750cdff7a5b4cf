package dedup

import (
	"context"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestKey_Stable(t *testing.T) {
	require.Equal(t, Key("download", "m1"), Key("download", "m1"))
	require.NotEqual(t, Key("download", "m1"), Key("upload", "m1"))
	require.NotEqual(t, Key("download", "m1"), Key("download", "m2"))
}

func TestGuard_LocalOnly(t *testing.T) {
	ctx := context.Background()
	g := New(Config{Size: 2, TTL: time.Minute})

	seen, err := g.Seen(ctx, "a")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, g.Mark(ctx, "a"))
	seen, err = g.Seen(ctx, "a")
	require.NoError(t, err)
	require.True(t, seen)

	// bounded: the oldest key is evicted
	require.NoError(t, g.Mark(ctx, "b"))
	require.NoError(t, g.Mark(ctx, "c"))
	seen, _ = g.Seen(ctx, "a")
	require.False(t, seen)
}

func TestGuard_SharedAcrossInstances(t *testing.T) {
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	a := New(Config{Redis: rdb, TTL: time.Minute})
	b := New(Config{Redis: rdb, TTL: time.Minute})

	require.NoError(t, a.Mark(ctx, "k"))
	seen, err := b.Seen(ctx, "k")
	require.NoError(t, err)
	require.True(t, seen)

	s.FastForward(2 * time.Minute)
	c := New(Config{Redis: rdb, TTL: time.Minute})
	seen, err = c.Seen(ctx, "k")
	require.NoError(t, err)
	require.False(t, seen, "shared key must expire with the window")
}

func TestGuard_SharedErrorSurfaces(t *testing.T) {
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	s.Close()

	g := New(Config{Redis: rdb})
	_, err := g.Seen(context.Background(), "k")
	require.Error(t, err)
}
