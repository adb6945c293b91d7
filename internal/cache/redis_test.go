package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/go-teamchat/internal/testutil"
	"github.com/npezzotti/go-teamchat/internal/types"
)

const testChannel = "0b0f0f8e-4cde-4a39-9d2b-8d3a3f7a1c11"

func newTestCache(t *testing.T, limit int) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return newRedisCache(client, RedisConfig{Limit: limit, TTL: time.Hour}, testutil.TestLogger(t)), srv
}

func msgAt(i int) types.Message {
	return types.Message{
		Id:         fmt.Sprintf("m%02d", i),
		ChannelId:  testChannel,
		AuthorId:   "6c1f3a34-39a4-4f8b-9d7e-2f0d6a3b9e01",
		AuthorName: "alice",
		Text:       fmt.Sprintf("message %d", i),
		CreatedAt:  time.Date(2025, 1, 1, 12, 0, i, 0, time.UTC),
	}
}

func ids(msgs []types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Id
	}
	return out
}

func TestRedisCache_PushRecentLeavesColdChannelCold(t *testing.T) {
	c, srv := newTestCache(t, 3)
	ctx := context.Background()

	require.NoError(t, c.PushRecent(ctx, msgAt(1)))
	assert.False(t, srv.Exists(recentKey(testChannel)), "expected push on a cold channel not to create a partial list")

	msgs, err := c.Recent(ctx, testChannel, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRedisCache_FillThenPushTrims(t *testing.T) {
	c, srv := newTestCache(t, 3)
	ctx := context.Background()

	// newest first, as read from the log
	require.NoError(t, c.Fill(ctx, testChannel, []types.Message{msgAt(3), msgAt(2), msgAt(1)}))

	msgs, err := c.Recent(ctx, testChannel, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m03", "m02", "m01"}, ids(msgs))

	require.NoError(t, c.PushRecent(ctx, msgAt(4)))
	msgs, err = c.Recent(ctx, testChannel, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m04", "m03", "m02"}, ids(msgs), "expected list to be trimmed to the bound")

	assert.True(t, srv.TTL(recentKey(testChannel)) > 0, "expected a ttl on the recent list")
}

func TestRedisCache_FillReplacesList(t *testing.T) {
	c, _ := newTestCache(t, 50)
	ctx := context.Background()

	require.NoError(t, c.Fill(ctx, testChannel, []types.Message{msgAt(2), msgAt(1)}))
	require.NoError(t, c.Fill(ctx, testChannel, []types.Message{msgAt(2), msgAt(1)}))

	msgs, err := c.Recent(ctx, testChannel, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m02", "m01"}, ids(msgs), "expected fill to replace rather than append")
}

func TestRedisCache_RecentCollapsesDuplicates(t *testing.T) {
	c, _ := newTestCache(t, 50)
	ctx := context.Background()

	require.NoError(t, c.Fill(ctx, testChannel, []types.Message{msgAt(2), msgAt(1)}))
	// a push racing a fill that already included the message
	require.NoError(t, c.PushRecent(ctx, msgAt(2)))

	msgs, err := c.Recent(ctx, testChannel, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m02", "m01"}, ids(msgs))
}

func TestRedisCache_RecentLimit(t *testing.T) {
	c, _ := newTestCache(t, 50)
	ctx := context.Background()

	require.NoError(t, c.Fill(ctx, testChannel, []types.Message{msgAt(3), msgAt(2), msgAt(1)}))

	msgs, err := c.Recent(ctx, testChannel, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m03", "m02"}, ids(msgs))
}

func TestRedisCache_Invalidate(t *testing.T) {
	c, srv := newTestCache(t, 50)
	ctx := context.Background()

	require.NoError(t, c.Fill(ctx, testChannel, []types.Message{msgAt(1)}))
	require.NoError(t, c.Invalidate(ctx, testChannel))
	assert.False(t, srv.Exists(recentKey(testChannel)))
}

func TestRedisCache_Presence(t *testing.T) {
	c, _ := newTestCache(t, 50)
	ctx := context.Background()

	require.NoError(t, c.AddOnline(ctx, "u1"))
	require.NoError(t, c.AddOnline(ctx, "u2"))
	require.NoError(t, c.RemoveOnline(ctx, "u1"))

	online, err := c.Online(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u2"}, online)
}

func TestRedisCache_Unreachable(t *testing.T) {
	c, srv := newTestCache(t, 50)
	ctx := context.Background()
	srv.SetError("ERR server unavailable")

	assert.Error(t, c.Ping(ctx))
	assert.Error(t, c.Fill(ctx, testChannel, []types.Message{msgAt(1)}))
	assert.Error(t, c.Invalidate(ctx, testChannel))
	_, err := c.Recent(ctx, testChannel, 10)
	assert.Error(t, err)
}

func TestRedisCache_SkipsUndecodableEntries(t *testing.T) {
	c, srv := newTestCache(t, 50)
	ctx := context.Background()

	require.NoError(t, c.Fill(ctx, testChannel, []types.Message{msgAt(1)}))
	_, err := srv.Lpush(recentKey(testChannel), "{not json")
	require.NoError(t, err)

	msgs, err := c.Recent(ctx, testChannel, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m01"}, ids(msgs))
}
