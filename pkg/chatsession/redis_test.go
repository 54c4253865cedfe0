package chatsession

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Set CHAT_RELAY_TEST_REDIS_ADDR (e.g. localhost:6379) to run against a live server.
func newTestRedisStore(t *testing.T, historyCap int) *RedisStore {
	t.Helper()
	addr := os.Getenv("CHAT_RELAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHAT_RELAY_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	prefix := "chat-relay-test:" + uuid.NewString() + ":"
	s, err := NewRedisStore(client, historyCap, WithRedisKeyPrefix(prefix), WithRedisTTL(time.Minute))
	require.NoError(t, err)
	return s
}

func TestNewRedisStore_RequiresClient(t *testing.T) {
	_, err := NewRedisStore(nil, 10)
	require.Error(t, err)

	var typedNil *redis.Client
	_, err = NewRedisStore(typedNil, 10)
	require.Error(t, err)
}

func TestRedisStore_CommitTrimsToCap(t *testing.T) {
	s := newTestRedisStore(t, 3)
	ctx := context.Background()

	h, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, h)

	for i := 0; i < 5; i++ {
		h, err = s.Commit(ctx, "s1", turnN(i))
		require.NoError(t, err)
		require.LessOrEqual(t, len(h), 3)
	}
	require.Equal(t, []Turn{turnN(2), turnN(3), turnN(4)}, h)

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, h, got)
}
