// Package relay streams one generated reply per request from an upstream
// generator to a client sink and records completed exchanges in the session
// history.
//
// Lifecycle of one Run:
//
//	Assembling -> Streaming -> Finalizing -> Done
//	                  \-> Aborted (disconnect, send failure, upstream error)
//
// Only Finalizing commits a turn. An aborted run leaves the history untouched,
// including any partial reply the client already saw.
package relay

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chat-relay/pkg/chatsession"
	"github.com/go-go-golems/chat-relay/pkg/lifecycle"
	"github.com/go-go-golems/chat-relay/pkg/pipe"
	"github.com/go-go-golems/chat-relay/pkg/upstream"
)

type State string

const (
	StateAssembling State = "assembling"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateAborted    State = "aborted"
)

// Request is one inbound chat message.
type Request struct {
	SessionID string
	UserText  string
	// Disconnected is polled before every fragment is forwarded. May be nil.
	Disconnected func() bool
}

// Sink is the outbound side of a relay, typically an SSE or WebSocket writer.
type Sink interface {
	Send(fragment string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(fragment string) error

func (f SinkFunc) Send(fragment string) error { return f(fragment) }

// PromptBuilder renders the upstream prompt from history and the new message.
type PromptBuilder interface {
	Render(history []chatsession.Turn, userText string) string
}

type tokenCounter interface {
	CountTokens(text string) int
}

// EventPublisher receives lifecycle notifications. Publishing failures are
// logged and never fail a relay.
type EventPublisher interface {
	Publish(ctx context.Context, ev lifecycle.Event) error
}

type Result struct {
	RelayID   string
	State     State
	Fragments int
	Reply     string
	// History is the session history after commit; nil unless State is Done.
	History           []chatsession.Turn
	UpstreamCancelled bool
	AbortReason       string
}

type Relay struct {
	store   chatsession.Store
	prompts PromptBuilder
	gen     upstream.Generator
	events  EventPublisher

	mu       sync.Mutex
	inFlight map[string]struct{}
}

type Option func(*Relay)

func WithEventPublisher(p EventPublisher) Option {
	return func(r *Relay) { r.events = p }
}

func New(store chatsession.Store, prompts PromptBuilder, gen upstream.Generator, opts ...Option) (*Relay, error) {
	if store == nil {
		return nil, errors.New("relay: session store is nil")
	}
	if prompts == nil {
		return nil, errors.New("relay: prompt builder is nil")
	}
	if gen == nil {
		return nil, errors.New("relay: generator is nil")
	}
	r := &Relay{
		store:    store,
		prompts:  prompts,
		gen:      gen,
		inFlight: map[string]struct{}{},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// InFlight reports whether a relay is currently running for sessionID.
func (r *Relay) InFlight(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[sessionID]
	return ok
}

func (r *Relay) acquire(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inFlight[sessionID]; ok {
		return false
	}
	r.inFlight[sessionID] = struct{}{}
	return true
}

func (r *Relay) release(sessionID string) {
	r.mu.Lock()
	delete(r.inFlight, sessionID)
	r.mu.Unlock()
}

// Run handles one relay invocation. Input errors and ErrSessionBusy are
// returned before anything else happens. A client disconnect ends the run with
// State Aborted and a nil error. Upstream failures return an *UpstreamError.
func (r *Relay) Run(ctx context.Context, req Request, sink Sink) (*Result, error) {
	if req.SessionID == "" {
		return nil, ErrEmptySession
	}
	if strings.TrimSpace(req.UserText) == "" {
		return nil, ErrEmptyMessage
	}
	if sink == nil {
		return nil, errors.New("relay: sink is nil")
	}
	if !r.acquire(req.SessionID) {
		return nil, ErrSessionBusy
	}
	defer r.release(req.SessionID)

	res := &Result{RelayID: uuid.NewString(), State: StateAssembling}
	started := time.Now()
	logger := log.With().
		Str("component", "relay").
		Str("session_id", req.SessionID).
		Str("relay_id", res.RelayID).
		Logger()

	history, err := r.store.Get(ctx, req.SessionID)
	if err != nil {
		res.State = StateAborted
		res.AbortReason = "history unavailable"
		r.publish(ctx, r.event(lifecycle.EventFailed, req, res, 0, started))
		return res, errors.Wrap(err, "load session history")
	}
	prompt := r.prompts.Render(history, req.UserText)
	promptTokens := 0
	if tc, ok := r.prompts.(tokenCounter); ok {
		promptTokens = tc.CountTokens(prompt)
	}
	logger.Info().Int("history_len", len(history)).Int("prompt_tokens", promptTokens).Str("generator", r.gen.Name()).Msg("relay started")
	startEv := r.event(lifecycle.EventStarted, req, res, promptTokens, started)
	startEv.HistoryLen = len(history)
	r.publish(ctx, startEv)

	res.State = StateStreaming
	upCtx, cancelUpstream := context.WithCancel(ctx)
	defer cancelUpstream()

	stream, err := r.gen.Stream(upCtx, prompt)
	if err != nil {
		res.State = StateAborted
		res.AbortReason = "upstream open failed"
		logger.Warn().Err(err).Msg("relay: upstream open failed")
		r.publish(ctx, r.event(lifecycle.EventFailed, req, res, promptTokens, started))
		return res, &UpstreamError{Err: err}
	}
	defer stream.Close()

	fragments := pipe.New[string]()
	go pump(stream, fragments)

	var reply strings.Builder
	abort := func(reason string) {
		cancelUpstream()
		stream.Close()
		fragments.CloseWithError(pipe.ErrClosed)
		res.State = StateAborted
		res.UpstreamCancelled = true
		res.AbortReason = reason
		res.Reply = reply.String()
	}

	for {
		frag, err := fragments.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				abort("context done")
				logger.Info().Int("fragments", res.Fragments).Msg("relay aborted: request context done")
				r.publish(ctx, r.event(lifecycle.EventAborted, req, res, promptTokens, started))
				return res, nil
			}
			abort("upstream error")
			logger.Warn().Err(err).Int("fragments", res.Fragments).Msg("relay: upstream stream failed")
			r.publish(ctx, r.event(lifecycle.EventFailed, req, res, promptTokens, started))
			return res, &UpstreamError{Err: err, Fragments: res.Fragments}
		}

		if reason := disconnectReason(ctx, req); reason != "" {
			abort(reason)
			logger.Info().Int("fragments", res.Fragments).Str("reason", reason).Msg("relay aborted")
			r.publish(ctx, r.event(lifecycle.EventAborted, req, res, promptTokens, started))
			return res, nil
		}
		if err := sink.Send(frag); err != nil {
			abort("send failed")
			logger.Info().Err(err).Int("fragments", res.Fragments).Msg("relay aborted: send failed")
			r.publish(ctx, r.event(lifecycle.EventAborted, req, res, promptTokens, started))
			return res, nil
		}
		res.Fragments++
		reply.WriteString(frag)
	}

	res.State = StateFinalizing
	res.Reply = reply.String()
	// the reply was fully delivered; commit even if the client hangs up now
	updated, err := r.store.Commit(context.WithoutCancel(ctx), req.SessionID, chatsession.Turn{
		UserText:      req.UserText,
		AssistantText: res.Reply,
	})
	if err != nil {
		res.State = StateAborted
		res.AbortReason = "commit failed"
		r.publish(ctx, r.event(lifecycle.EventFailed, req, res, promptTokens, started))
		return res, errors.Wrap(err, "commit turn")
	}
	res.History = updated
	res.State = StateDone
	logger.Info().Int("fragments", res.Fragments).Int("history_len", len(updated)).Dur("elapsed", time.Since(started)).Msg("relay completed")
	doneEv := r.event(lifecycle.EventCompleted, req, res, promptTokens, started)
	doneEv.HistoryLen = len(updated)
	r.publish(ctx, doneEv)
	return res, nil
}

func disconnectReason(ctx context.Context, req Request) string {
	if ctx.Err() != nil {
		return "context done"
	}
	if req.Disconnected != nil && req.Disconnected() {
		return "client disconnected"
	}
	return ""
}

// pump moves upstream fragments into the pipe until the stream ends. Empty
// fragments are dropped.
func pump(stream upstream.Stream, out *pipe.Pipe[string]) {
	for {
		frag, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			out.Close()
			return
		}
		if err != nil {
			out.CloseWithError(err)
			return
		}
		if frag == "" {
			continue
		}
		if !out.Push(frag) {
			return
		}
	}
}

func (r *Relay) event(t lifecycle.EventType, req Request, res *Result, promptTokens int, started time.Time) lifecycle.Event {
	return lifecycle.Event{
		Type:         t,
		RelayID:      res.RelayID,
		SessionID:    req.SessionID,
		Generator:    r.gen.Name(),
		Fragments:    res.Fragments,
		ReplyBytes:   len(res.Reply),
		PromptTokens: promptTokens,
		DurationMs:   time.Since(started).Milliseconds(),
		Reason:       res.AbortReason,
	}
}

func (r *Relay) publish(ctx context.Context, ev lifecycle.Event) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn().Err(err).Str("component", "relay").Str("event", string(ev.Type)).Str("session_id", ev.SessionID).Msg("relay: publish lifecycle event failed")
	}
}
