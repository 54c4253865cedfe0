package chatsession

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func turnN(i int) Turn {
	return Turn{UserText: fmt.Sprintf("u%d", i), AssistantText: fmt.Sprintf("a%d", i)}
}

func TestMemoryStore_UnknownSessionIsEmpty(t *testing.T) {
	s := NewMemoryStore(3)
	h, err := s.Get(context.Background(), "nobody")
	require.NoError(t, err)
	require.NotNil(t, h)
	require.Empty(t, h)
}

func TestMemoryStore_CommitNeverExceedsCap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(4)

	for i := 0; i < 25; i++ {
		h, err := s.Commit(ctx, "s1", turnN(i))
		require.NoError(t, err)
		require.LessOrEqual(t, len(h), 4)
		require.Equal(t, turnN(i), h[len(h)-1])
	}

	h, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, []Turn{turnN(21), turnN(22), turnN(23), turnN(24)}, h)
}

func TestMemoryStore_AtCapDropsOldest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(DefaultHistoryCap)
	for i := 0; i < DefaultHistoryCap; i++ {
		_, err := s.Commit(ctx, "s1", turnN(i))
		require.NoError(t, err)
	}

	h, err := s.Commit(ctx, "s1", turnN(99))
	require.NoError(t, err)
	require.Len(t, h, DefaultHistoryCap)
	require.Equal(t, turnN(1), h[0])
	require.Equal(t, turnN(99), h[len(h)-1])
}

func TestMemoryStore_SnapshotsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(5)
	_, err := s.Commit(ctx, "s1", turnN(1))
	require.NoError(t, err)

	snap, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	snap[0].AssistantText = "mutated"

	again, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "a1", again[0].AssistantText)
}

func TestMemoryStore_NonPositiveCapUsesDefault(t *testing.T) {
	require.Equal(t, DefaultHistoryCap, NewMemoryStore(0).HistoryCap())
	require.Equal(t, DefaultHistoryCap, NewMemoryStore(-3).HistoryCap())
}

func TestMemoryStore_ConcurrentSessions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", w)
			for i := 0; i < 50; i++ {
				_, _ = s.Commit(ctx, id, turnN(i))
				_, _ = s.Get(ctx, id)
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, 16, s.Len())
	for w := 0; w < 16; w++ {
		h, err := s.Get(ctx, fmt.Sprintf("s%d", w))
		require.NoError(t, err)
		require.Len(t, h, 10)
		require.Equal(t, turnN(49), h[9])
	}
}

func TestMemoryStore_EvictIdleKeepsBusyAndFresh(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(5)
	base := time.Now()
	s.now = func() time.Time { return base }
	_, _ = s.Commit(ctx, "old", turnN(1))
	_, _ = s.Commit(ctx, "busy", turnN(1))

	s.now = func() time.Time { return base.Add(30 * time.Minute) }
	_, _ = s.Commit(ctx, "fresh", turnN(1))

	p := EvictionPolicy{Idle: 10 * time.Minute, Interval: time.Minute, Busy: func(id string) bool { return id == "busy" }}
	require.Equal(t, []string{"old"}, s.evictIdle(p, base.Add(31*time.Minute)))

	h, _ := s.Get(ctx, "old")
	require.Empty(t, h)
	h, _ = s.Get(ctx, "busy")
	require.Len(t, h, 1)
	h, _ = s.Get(ctx, "fresh")
	require.Len(t, h, 1)
}

func TestMemoryStore_EvictionDisabledByDefault(t *testing.T) {
	s := NewMemoryStore(5)
	_, _ = s.Commit(context.Background(), "s1", turnN(1))
	require.Empty(t, s.evictIdle(EvictionPolicy{}, time.Now().Add(24*time.Hour)))
	require.Equal(t, 1, s.Len())
	require.NoError(t, s.RunEviction(context.Background(), EvictionPolicy{}))
}

func TestMemoryStore_RunEvictionSweepsUntilCancelled(t *testing.T) {
	s := NewMemoryStore(5)
	base := time.Now()
	s.now = func() time.Time { return base }
	_, _ = s.Commit(context.Background(), "s1", turnN(1))
	s.now = func() time.Time { return base.Add(time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunEviction(ctx, EvictionPolicy{Idle: time.Minute, Interval: 5 * time.Millisecond}) }()

	require.Eventually(t, func() bool { return s.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("eviction loop did not stop")
	}
}
