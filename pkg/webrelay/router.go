// Package webrelay exposes the streaming relay over HTTP: server-sent events on
// /stream-chat and a WebSocket variant on /ws/chat.
package webrelay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chat-relay/pkg/chatsession"
	"github.com/go-go-golems/chat-relay/pkg/relay"
)

// Runner is the relay surface used by the handlers.
type Runner interface {
	Run(ctx context.Context, req relay.Request, sink relay.Sink) (*relay.Result, error)
}

type Options struct {
	CORS        CORSOptions
	DebugRoutes bool
	// Keepalive enables ": ping" comments on idle SSE streams. Zero disables them.
	Keepalive time.Duration
}

type RouterOption func(*Router)

func WithOptions(o Options) RouterOption {
	return func(r *Router) { r.opts = o }
}

func WithWebSocketUpgrader(u websocket.Upgrader) RouterOption {
	return func(r *Router) { r.upgrader = u }
}

type Router struct {
	relay    Runner
	sessions chatsession.Store
	opts     Options
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

func NewRouter(rl Runner, sessions chatsession.Store, opts ...RouterOption) (*Router, error) {
	if rl == nil {
		return nil, errors.New("webrelay: relay is nil")
	}
	r := &Router{
		relay:    rl,
		sessions: sessions,
		opts:     Options{CORS: CORSOptions{AllowedOrigins: []string{"*"}, AllowCredentials: true}},
		mux:      http.NewServeMux(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.upgrader.CheckOrigin == nil {
		cors := r.opts.CORS
		r.upgrader.CheckOrigin = func(req *http.Request) bool {
			origin := req.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := cors.allowOrigin(origin)
			return ok
		}
	}

	r.mux.HandleFunc("/stream-chat", r.handleStreamChat)
	r.mux.HandleFunc("/ws/chat", r.handleWebSocket)
	r.mux.HandleFunc("/healthz", handleHealthz)
	if r.opts.DebugRoutes && sessions != nil {
		r.mux.HandleFunc("GET /api/debug/sessions/{id}", r.handleDebugSession)
	}
	return r, nil
}

// Handler returns the mux wrapped in the request-id and CORS middleware.
func (r *Router) Handler() http.Handler {
	return withRequestID(withCORS(r.opts.CORS, r.mux))
}

func (r *Router) logger(req *http.Request, sessionID string) zerolog.Logger {
	return log.With().
		Str("component", "webrelay").
		Str("request_id", RequestIDFromContext(req.Context())).
		Str("session_id", sessionID).
		Logger()
}

func chatParams(req *http.Request) (sessionID, text string) {
	q := req.URL.Query()
	sessionID = q.Get("session_id")
	text = q.Get("contents")
	if text == "" {
		text = q.Get("message")
	}
	return sessionID, text
}

// statusForError maps relay errors reported before any output to HTTP statuses.
func statusForError(err error) (int, string) {
	switch {
	case relay.IsInputError(err):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, relay.ErrSessionBusy):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "streaming error"
	}
}

func (r *Router) handleStreamChat(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID, text := chatParams(req)
	logger := r.logger(req, sessionID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sink := newSSESink(w, flusher)
	stop := keepalive(sink, r.opts.Keepalive)
	res, err := r.relay.Run(req.Context(), relay.Request{
		SessionID:    sessionID,
		UserText:     text,
		Disconnected: func() bool { return req.Context().Err() != nil },
	}, sink)
	stop()

	if err != nil {
		if sink.Started() {
			// headers are gone; ending the response is the only signal left
			logger.Warn().Err(err).Msg("sse stream ended early")
			return
		}
		status, msg := statusForError(err)
		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).Msg("sse relay failed before first fragment")
		} else {
			logger.Debug().Err(err).Int("status", status).Msg("sse request rejected")
		}
		http.Error(w, msg, status)
		return
	}
	// an empty reply still yields a well-formed, empty event stream
	sink.Start()
	logger.Debug().Str("relay_id", res.RelayID).Str("state", string(res.State)).Int("fragments", res.Fragments).Msg("sse stream finished")
}

func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	sessionID, text := chatParams(req)
	logger := r.logger(req, sessionID)
	if sessionID == "" || strings.TrimSpace(text) == "" {
		http.Error(w, "session_id and contents are required", http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Debug().Err(err).Msg("ws upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	var gone atomic.Bool
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				logger.Debug().Err(err).Msg("ws read loop end")
				gone.Store(true)
				cancel()
				return
			}
		}
	}()

	sink := relay.SinkFunc(func(frag string) error {
		return conn.WriteMessage(websocket.TextMessage, []byte(frag))
	})
	res, err := r.relay.Run(ctx, relay.Request{
		SessionID:    sessionID,
		UserText:     text,
		Disconnected: gone.Load,
	}, sink)

	code, reason := websocket.CloseNormalClosure, ""
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrSessionBusy):
			code, reason = websocket.CloseTryAgainLater, err.Error()
		case relay.IsInputError(err):
			code, reason = websocket.ClosePolicyViolation, err.Error()
		default:
			code, reason = websocket.CloseInternalServerErr, "streaming error"
			logger.Warn().Err(err).Msg("ws relay failed")
		}
	} else {
		logger.Debug().Str("relay_id", res.RelayID).Str("state", string(res.State)).Int("fragments", res.Fragments).Msg("ws stream finished")
	}
	if gone.Load() {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func handleHealthz(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type debugSessionResponse struct {
	SessionID string             `json:"session_id"`
	History   []chatsession.Turn `json:"history"`
}

func (r *Router) handleDebugSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	history, err := r.sessions.Get(req.Context(), id)
	if err != nil {
		logger := r.logger(req, id)
		logger.Error().Err(err).Msg("debug session lookup failed")
		http.Error(w, "session lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, debugSessionResponse{SessionID: id, History: history})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
