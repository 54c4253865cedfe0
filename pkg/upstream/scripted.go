package upstream

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var ErrStreamClosed = errors.New("stream closed")

// Scripted is a deterministic Generator that replays a fixed fragment list.
// It records every prompt it receives and whether its streams were closed.
type Scripted struct {
	Fragments []string
	// Err is returned after the fragments instead of io.EOF.
	Err error
	// OpenErr makes Stream fail before any fragment.
	OpenErr error
	// Delay is waited before each fragment.
	Delay time.Duration
	// HoldOpen keeps the stream open after the last fragment until it is closed.
	HoldOpen bool

	mu      sync.Mutex
	prompts []string
	streams []*ScriptedStream
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Stream(ctx context.Context, prompt string) (Stream, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	st := &ScriptedStream{
		fragments: append([]string(nil), s.Fragments...),
		err:       s.Err,
		delay:     s.Delay,
		hold:      s.HoldOpen,
		done:      make(chan struct{}),
	}
	go func() {
		select {
		case <-ctx.Done():
			st.Close()
		case <-st.done:
		}
	}()
	s.mu.Lock()
	s.streams = append(s.streams, st)
	s.mu.Unlock()
	return st, nil
}

func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

func (s *Scripted) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// AllClosed reports whether every stream opened so far has been closed.
func (s *Scripted) AllClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.streams {
		if !st.IsClosed() {
			return false
		}
	}
	return true
}

type ScriptedStream struct {
	fragments []string
	err       error
	delay     time.Duration
	hold      bool

	idx       int
	done      chan struct{}
	closeOnce sync.Once
}

func (st *ScriptedStream) Recv() (string, error) {
	if st.IsClosed() {
		return "", ErrStreamClosed
	}
	if st.idx < len(st.fragments) {
		if st.delay > 0 {
			select {
			case <-time.After(st.delay):
			case <-st.done:
				return "", ErrStreamClosed
			}
		}
		frag := st.fragments[st.idx]
		st.idx++
		return frag, nil
	}
	if st.hold {
		<-st.done
		return "", ErrStreamClosed
	}
	if st.err != nil {
		return "", st.err
	}
	return "", io.EOF
}

func (st *ScriptedStream) Close() {
	st.closeOnce.Do(func() { close(st.done) })
}

func (st *ScriptedStream) IsClosed() bool {
	select {
	case <-st.done:
		return true
	default:
		return false
	}
}
