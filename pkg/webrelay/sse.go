package webrelay

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var errClientGone = errors.New("client connection closed")

// sseSink writes relay fragments as server-sent events. Response headers are
// committed lazily on the first write so that failures before the first
// fragment can still be reported with a proper status code.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu      sync.Mutex
	started bool
	failed  bool
}

func newSSESink(w http.ResponseWriter, flusher http.Flusher) *sseSink {
	return &sseSink{w: w, flusher: flusher}
}

func (s *sseSink) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Start commits the event-stream headers if nothing has been written yet.
func (s *sseSink) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *sseSink) startLocked() {
	if s.started {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

// Send writes one event carrying frag. A fragment with newlines becomes one
// data line per line of text, which clients reassemble with "\n".
func (s *sseSink) Send(frag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return errClientGone
	}
	s.startLocked()
	return s.write(encodeEvent(frag))
}

// Ping writes a comment line; clients ignore it. Only sent once streaming has begun.
func (s *sseSink) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.failed {
		return nil
	}
	return s.write(": ping\n\n")
}

func (s *sseSink) write(chunk string) error {
	if _, err := s.w.Write([]byte(chunk)); err != nil {
		s.failed = true
		return errors.Wrap(err, "write event")
	}
	s.flusher.Flush()
	return nil
}

func encodeEvent(frag string) string {
	// CR, LF and CRLF all end a line for SSE parsers
	frag = strings.ReplaceAll(frag, "\r\n", "\n")
	frag = strings.ReplaceAll(frag, "\r", "\n")
	var b strings.Builder
	for _, line := range strings.Split(frag, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// keepalive pings sink every interval until the returned stop func is called.
func keepalive(sink *sseSink, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				_ = sink.Ping()
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
