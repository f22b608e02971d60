package idgen

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRequiresInstance(t *testing.T) {
	g := New("task")
	_, err := g.Generate("tenant-1")
	require.ErrorIs(t, err, ErrInstanceUnassigned)
}

func TestSetInstanceRange(t *testing.T) {
	g := New("task")
	require.Error(t, g.SetInstance(-1))
	require.Error(t, g.SetInstance(MaxInstance+1))
	require.NoError(t, g.SetInstance(0))
	require.NoError(t, g.SetInstance(MaxInstance))
}

func TestGenerateUniqueWithinSecond(t *testing.T) {
	g := New("task")
	require.NoError(t, g.SetInstance(7))

	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id, err := g.Generate("tenant-1")
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestShardRecoverableFromID(t *testing.T) {
	g := New("task")
	require.NoError(t, g.SetInstance(1))

	const shards = 16
	want := ShardIndex("tenant-42", shards)

	for i := 0; i < 100; i++ {
		id, err := g.Generate("tenant-42")
		require.NoError(t, err)

		got, err := ShardFromID(id, shards)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestShardIndexStable(t *testing.T) {
	a := ShardIndex("tenant-1", 8)
	for i := 0; i < 50; i++ {
		assert.Equal(t, a, ShardIndex("tenant-1", 8))
	}
}

func TestShardFromIDMalformed(t *testing.T) {
	_, err := ShardFromID("garbage", 8)
	assert.Error(t, err)

	_, err = ShardFromID("task-123-", 8)
	assert.Error(t, err)
}

func TestAcquireInstance(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	ctx := context.Background()

	g1 := New("task")
	id1, err := g1.AcquireInstance(ctx, client, "dispatch:idgen:instance")
	require.NoError(t, err)
	assert.Equal(t, 0, id1)

	g2 := New("task")
	id2, err := g2.AcquireInstance(ctx, client, "dispatch:idgen:instance")
	require.NoError(t, err)
	assert.Equal(t, 1, id2)

	// Acquired generators can generate immediately.
	_, err = g1.Generate("tenant-1")
	require.NoError(t, err)
}
