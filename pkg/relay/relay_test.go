package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chat-relay/pkg/chatsession"
	"github.com/go-go-golems/chat-relay/pkg/lifecycle"
	"github.com/go-go-golems/chat-relay/pkg/prompt"
	"github.com/go-go-golems/chat-relay/pkg/upstream"
)

type recordingSink struct {
	mu    sync.Mutex
	frags []string
	// after is called with the number of fragments delivered so far
	after func(n int)
	err   error
}

func (s *recordingSink) Send(f string) error {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	s.frags = append(s.frags, f)
	n := len(s.frags)
	after := s.after
	s.mu.Unlock()
	if after != nil {
		after(n)
	}
	return nil
}

func (s *recordingSink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frags...)
}

type countingBuilder struct {
	inner PromptBuilder
	calls atomic.Int32
}

func (b *countingBuilder) Render(h []chatsession.Turn, u string) string {
	b.calls.Add(1)
	return b.inner.Render(h, u)
}

type eventRecorder struct {
	mu  sync.Mutex
	evs []lifecycle.Event
}

func (r *eventRecorder) Publish(_ context.Context, ev lifecycle.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return nil
}

func (r *eventRecorder) types() []lifecycle.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]lifecycle.EventType, 0, len(r.evs))
	for _, ev := range r.evs {
		out = append(out, ev.Type)
	}
	return out
}

func newTestRelay(t *testing.T, store chatsession.Store, gen upstream.Generator, opts ...Option) *Relay {
	t.Helper()
	r, err := New(store, prompt.NewAssembler(""), gen, opts...)
	require.NoError(t, err)
	return r
}

func seed(t *testing.T, store chatsession.Store, id string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.Commit(context.Background(), id, chatsession.Turn{
			UserText:      fmt.Sprintf("u%d", i),
			AssistantText: fmt.Sprintf("a%d", i),
		})
		require.NoError(t, err)
	}
}

func TestRun_NormalCompletion(t *testing.T) {
	store := chatsession.NewMemoryStore(10)
	gen := &upstream.Scripted{Fragments: []string{"I'm ", "sorry to hear ", "that."}}
	events := &eventRecorder{}
	r := newTestRelay(t, store, gen, WithEventPublisher(events))
	sink := &recordingSink{}

	res, err := r.Run(context.Background(), Request{SessionID: "s1", UserText: "I feel anxious today"}, sink)
	require.NoError(t, err)
	require.Equal(t, StateDone, res.State)
	require.Equal(t, []string{"I'm ", "sorry to hear ", "that."}, sink.got())
	require.Equal(t, 3, res.Fragments)
	require.False(t, res.UpstreamCancelled)
	require.NotEmpty(t, res.RelayID)

	h, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, []chatsession.Turn{{UserText: "I feel anxious today", AssistantText: "I'm sorry to hear that."}}, h)
	require.Equal(t, h, res.History)

	require.Equal(t, []lifecycle.EventType{lifecycle.EventStarted, lifecycle.EventCompleted}, events.types())
	require.False(t, r.InFlight("s1"))
}

func TestRun_PromptIncludesHistory(t *testing.T) {
	store := chatsession.NewMemoryStore(10)
	seed(t, store, "s1", 2)
	gen := &upstream.Scripted{Fragments: []string{"ok"}}
	r := newTestRelay(t, store, gen)

	_, err := r.Run(context.Background(), Request{SessionID: "s1", UserText: "next"}, &recordingSink{})
	require.NoError(t, err)

	prompts := gen.Prompts()
	require.Len(t, prompts, 1)
	want := prompt.NewAssembler("").Render([]chatsession.Turn{
		{UserText: "u0", AssistantText: "a0"},
		{UserText: "u1", AssistantText: "a1"},
	}, "next")
	require.Equal(t, want, prompts[0])
}

func TestRun_DisconnectAfterFirstFragment(t *testing.T) {
	store := chatsession.NewMemoryStore(10)
	seed(t, store, "s1", 2)
	gen := &upstream.Scripted{Fragments: []string{"one ", "two ", "three"}}
	events := &eventRecorder{}
	r := newTestRelay(t, store, gen, WithEventPublisher(events))

	var gone atomic.Bool
	sink := &recordingSink{after: func(n int) {
		if n == 1 {
			gone.Store(true)
		}
	}}
	res, err := r.Run(context.Background(), Request{
		SessionID:    "s1",
		UserText:     "hello",
		Disconnected: gone.Load,
	}, sink)
	require.NoError(t, err)
	require.Equal(t, StateAborted, res.State)
	require.Equal(t, []string{"one "}, sink.got())
	require.Equal(t, 1, res.Fragments)
	require.True(t, res.UpstreamCancelled)
	require.True(t, gen.AllClosed())

	h, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, h, 2)
	require.Equal(t, []lifecycle.EventType{lifecycle.EventStarted, lifecycle.EventAborted}, events.types())
}

func TestRun_ContextCancelWhileWaiting(t *testing.T) {
	store := chatsession.NewMemoryStore(10)
	gen := &upstream.Scripted{Fragments: []string{"partial"}, HoldOpen: true}
	r := newTestRelay(t, store, gen)

	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{after: func(int) { cancel() }}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.Run(ctx, Request{SessionID: "s1", UserText: "hi"}, sink)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		require.NoError(t, out.err)
		res := out.res
		require.Equal(t, StateAborted, res.State)
		require.Equal(t, 1, res.Fragments)
		require.True(t, res.UpstreamCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after context cancellation")
	}
	require.Eventually(t, gen.AllClosed, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, store.Len())
}

func TestRun_SendFailureAborts(t *testing.T) {
	store := chatsession.NewMemoryStore(10)
	gen := &upstream.Scripted{Fragments: []string{"a", "b"}}
	r := newTestRelay(t, store, gen)

	res, err := r.Run(context.Background(), Request{SessionID: "s1", UserText: "hi"}, &recordingSink{err: errors.New("broken pipe")})
	require.NoError(t, err)
	require.Equal(t, StateAborted, res.State)
	require.Equal(t, 0, res.Fragments)
	require.True(t, gen.AllClosed())
	require.Equal(t, 0, store.Len())
}

func TestRun_HistoryAtCapDropsOldest(t *testing.T) {
	store := chatsession.NewMemoryStore(chatsession.DefaultHistoryCap)
	seed(t, store, "s1", chatsession.DefaultHistoryCap)
	gen := &upstream.Scripted{Fragments: []string{"new reply"}}
	r := newTestRelay(t, store, gen)

	res, err := r.Run(context.Background(), Request{SessionID: "s1", UserText: "new"}, &recordingSink{})
	require.NoError(t, err)
	require.Len(t, res.History, chatsession.DefaultHistoryCap)
	require.Equal(t, "u1", res.History[0].UserText)
	require.Equal(t, chatsession.Turn{UserText: "new", AssistantText: "new reply"}, res.History[len(res.History)-1])
}

func TestRun_RejectsEmptyInput(t *testing.T) {
	store := chatsession.NewMemoryStore(10)
	gen := &upstream.Scripted{Fragments: []string{"x"}}
	builder := &countingBuilder{inner: prompt.NewAssembler("")}
	r, err := New(store, builder, gen)
	require.NoError(t, err)

	_, err = r.Run(context.Background(), Request{SessionID: "s1", UserText: "   "}, &recordingSink{})
	require.ErrorIs(t, err, ErrEmptyMessage)
	require.True(t, IsInputError(err))

	_, err = r.Run(context.Background(), Request{SessionID: "", UserText: "hi"}, &recordingSink{})
	require.ErrorIs(t, err, ErrEmptySession)

	require.Equal(t, int32(0), builder.calls.Load())
	require.Equal(t, 0, gen.Opened())
	require.Equal(t, 0, store.Len())
}

func TestRun_UpstreamErrorBeforeFirstFragment(t *testing.T) {
	store := chatsession.NewMemoryStore(10)
	boom := errors.New("quota exceeded")
	events := &eventRecorder{}

	for _, gen := range []*upstream.Scripted{{OpenErr: boom}, {Err: boom}} {
		r := newTestRelay(t, store, gen, WithEventPublisher(events))
		sink := &recordingSink{}
		res, err := r.Run(context.Background(), Request{SessionID: "s1", UserText: "hi"}, sink)
		require.Error(t, err)
		require.True(t, IsUpstreamError(err))
		require.ErrorIs(t, err, boom)

		var ue *UpstreamError
		require.True(t, errors.As(err, &ue))
		require.Equal(t, 0, ue.Fragments)
		require.Equal(t, StateAborted, res.State)
		require.Empty(t, sink.got())
	}
	require.Equal(t, 0, store.Len())
	require.Contains(t, events.types(), lifecycle.EventFailed)
}

func TestRun_UpstreamErrorMidStream(t *testing.T) {
	store := chatsession.NewMemoryStore(10)
	seed(t, store, "s1", 1)
	gen := &upstream.Scripted{Fragments: []string{"a", "b"}, Err: errors.New("connection reset")}
	r := newTestRelay(t, store, gen)
	sink := &recordingSink{}

	_, err := r.Run(context.Background(), Request{SessionID: "s1", UserText: "hi"}, sink)
	require.True(t, IsUpstreamError(err))
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	require.Equal(t, 2, ue.Fragments)
	require.Equal(t, []string{"a", "b"}, sink.got())

	h, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, h, 1)
}

func TestRun_BusySession(t *testing.T) {
	store := chatsession.NewMemoryStore(10)
	gen := &upstream.Scripted{Fragments: []string{"first"}, HoldOpen: true}
	r := newTestRelay(t, store, gen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Run(ctx, Request{SessionID: "s1", UserText: "hi"}, &recordingSink{})
	}()
	require.Eventually(t, func() bool { return r.InFlight("s1") }, time.Second, 5*time.Millisecond)

	_, err := r.Run(context.Background(), Request{SessionID: "s1", UserText: "again"}, &recordingSink{})
	require.ErrorIs(t, err, ErrSessionBusy)

	require.False(t, r.InFlight("s2"))

	cancel()
	<-done
	require.False(t, r.InFlight("s1"))
}

func TestRun_SkipsEmptyFragments(t *testing.T) {
	store := chatsession.NewMemoryStore(10)
	gen := &upstream.Scripted{Fragments: []string{"", "a", "", "b"}}
	r := newTestRelay(t, store, gen)
	sink := &recordingSink{}

	res, err := r.Run(context.Background(), Request{SessionID: "s1", UserText: "hi"}, sink)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, sink.got())
	require.Equal(t, "ab", res.Reply)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, prompt.NewAssembler(""), &upstream.Scripted{})
	require.Error(t, err)
	_, err = New(chatsession.NewMemoryStore(1), nil, &upstream.Scripted{})
	require.Error(t, err)
	_, err = New(chatsession.NewMemoryStore(1), prompt.NewAssembler(""), nil)
	require.Error(t, err)
}
