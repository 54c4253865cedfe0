package main

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chat-relay/pkg/chatsession"
	"github.com/go-go-golems/chat-relay/pkg/config"
	"github.com/go-go-golems/chat-relay/pkg/journal"
	"github.com/go-go-golems/chat-relay/pkg/lifecycle"
	"github.com/go-go-golems/chat-relay/pkg/prompt"
	"github.com/go-go-golems/chat-relay/pkg/redisstream"
	"github.com/go-go-golems/chat-relay/pkg/relay"
	"github.com/go-go-golems/chat-relay/pkg/upstream"
	"github.com/go-go-golems/chat-relay/pkg/webrelay"
)

type serveFlags struct {
	addr           string
	provider       string
	model          string
	temperature    float64
	historyCap     int
	sessionBackend string
	debugRoutes    bool
	keepalive      time.Duration
	redisEnabled   bool
	redisAddr      string
	journal        bool
	journalPath    string
}

func newServeCommand(rf *rootFlags) *cobra.Command {
	sf := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the streaming relay HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd, rf, func(s *config.Settings) { sf.apply(cmd, s) })
			if err != nil {
				return err
			}
			if err := s.Validate(); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}
			return serve(cmd.Context(), s)
		},
	}
	f := cmd.Flags()
	f.StringVar(&sf.addr, "addr", "", "HTTP listen address (default :8000)")
	f.StringVar(&sf.provider, "provider", "", "Upstream provider: gemini, openai or scripted")
	f.StringVar(&sf.model, "model", "", "Upstream model identifier")
	f.Float64Var(&sf.temperature, "temperature", 0, "Generation temperature")
	f.IntVar(&sf.historyCap, "history-cap", 0, "Turns of history kept per session")
	f.StringVar(&sf.sessionBackend, "session-backend", "", "Session store: memory or redis")
	f.BoolVar(&sf.debugRoutes, "debug-routes", false, "Expose /api/debug/sessions/{id}")
	f.DurationVar(&sf.keepalive, "keepalive", 0, "Interval for SSE keepalive comments (0 disables)")
	f.BoolVar(&sf.redisEnabled, "redis-enabled", false, "Use Redis for lifecycle events (and sessions with --session-backend redis)")
	f.StringVar(&sf.redisAddr, "redis-addr", "", "Redis address host:port")
	f.BoolVar(&sf.journal, "journal", false, "Record relay lifecycle events in SQLite")
	f.StringVar(&sf.journalPath, "journal-path", "", "SQLite journal file")
	return cmd
}

func (sf *serveFlags) apply(cmd *cobra.Command, s *config.Settings) {
	f := cmd.Flags()
	if f.Changed("addr") {
		s.Server.Addr = sf.addr
	}
	if f.Changed("provider") {
		s.Upstream.Provider = sf.provider
	}
	if f.Changed("model") {
		s.Upstream.Model = sf.model
	}
	if f.Changed("temperature") {
		s.Upstream.Temperature = sf.temperature
	}
	if f.Changed("history-cap") {
		s.Session.HistoryCap = sf.historyCap
	}
	if f.Changed("session-backend") {
		s.Session.Backend = sf.sessionBackend
	}
	if f.Changed("debug-routes") {
		s.Server.DebugRoutes = sf.debugRoutes
	}
	if f.Changed("keepalive") {
		s.Server.Keepalive = sf.keepalive
	}
	if f.Changed("redis-enabled") {
		s.Redis.Enabled = sf.redisEnabled
	}
	if f.Changed("redis-addr") {
		s.Redis.Addr = sf.redisAddr
	}
	if f.Changed("journal") {
		s.Journal.Enabled = sf.journal
	}
	if f.Changed("journal-path") {
		s.Journal.Path = sf.journalPath
	}
}

func serve(ctx context.Context, s config.Settings) error {
	if ctx == nil {
		ctx = context.Background()
	}
	srv, err := buildServer(ctx, s)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// buildServer wires the relay and its collaborators from s. Every resource it
// opens is registered for closing on shutdown, or closed again when wiring
// fails part way.
func buildServer(ctx context.Context, s config.Settings) (*webrelay.Server, error) {
	var opened closeStack
	track := opened.push
	fail := func(err error) (*webrelay.Server, error) {
		opened.closeAll()
		return nil, err
	}

	var redisClient *redis.Client
	if s.Redis.Enabled {
		redisClient = redisstream.NewClient(s.Redis)
		track("redis", redisClient)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fail(errors.Wrapf(err, "connect to redis at %s", s.Redis.Addr))
		}
	}

	var (
		store       chatsession.Store
		memoryStore *chatsession.MemoryStore
	)
	switch s.Session.Backend {
	case config.BackendRedis:
		if redisClient == nil {
			return fail(errors.New("session backend redis requires redis.enabled"))
		}
		opts := []chatsession.RedisStoreOption{chatsession.WithRedisTTL(s.Session.RedisTTL)}
		if s.Session.RedisPrefix != "" {
			opts = append(opts, chatsession.WithRedisKeyPrefix(s.Session.RedisPrefix))
		}
		rs, err := chatsession.NewRedisStore(redisClient, s.Session.HistoryCap, opts...)
		if err != nil {
			return fail(err)
		}
		store = rs
	default:
		memoryStore = chatsession.NewMemoryStore(s.Session.HistoryCap)
		store = memoryStore
	}

	pubsub, err := redisstream.BuildPubSub(s.Redis, redisClient)
	if err != nil {
		return fail(err)
	}
	track("pubsub", pubsub)
	if s.Redis.Enabled {
		if err := redisstream.EnsureGroupAtTail(ctx, redisClient, lifecycle.DefaultTopic, s.Redis.Group); err != nil {
			return fail(err)
		}
	}

	handlers := []lifecycle.Handler{lifecycle.LogHandler}
	var journalStore *journal.Store
	if s.Journal.Enabled {
		dsn, err := journal.DSNForFile(s.Journal.Path)
		if err != nil {
			return fail(err)
		}
		journalStore, err = journal.New(dsn)
		if err != nil {
			return fail(errors.Wrap(err, "open journal"))
		}
		track("journal", journalStore)
		handlers = append(handlers, journalStore.Handler())
	}
	consumer := lifecycle.NewConsumer(pubsub.Subscriber, lifecycle.DefaultTopic, handlers...)

	gen, genCloser, err := upstream.New(ctx, s.Upstream)
	if err != nil {
		return fail(errors.Wrap(err, "build upstream generator"))
	}
	track("upstream", genCloser)

	assembler := prompt.NewAssembler(s.Prompt.Preamble)
	rl, err := relay.New(store, assembler, gen,
		relay.WithEventPublisher(lifecycle.NewPublisher(pubsub.Publisher, lifecycle.DefaultTopic)))
	if err != nil {
		return fail(err)
	}

	router, err := webrelay.NewRouter(rl, store, webrelay.WithOptions(webrelay.Options{
		CORS: webrelay.CORSOptions{
			AllowedOrigins:   s.Server.AllowedOrigins,
			AllowCredentials: s.Server.AllowCredentials,
		},
		DebugRoutes: s.Server.DebugRoutes,
		Keepalive:   s.Server.Keepalive,
	}))
	if err != nil {
		return fail(err)
	}

	// subscribe before the listener starts so no lifecycle event is missed
	if err := consumer.Start(context.WithoutCancel(ctx)); err != nil {
		return fail(errors.Wrap(err, "start lifecycle consumer"))
	}

	srv := webrelay.NewServer(s.Server.Addr, router.Handler(), s.Server.ShutdownTimeout)
	if memoryStore != nil {
		policy := chatsession.EvictionPolicy{
			Idle:     s.Session.EvictIdle,
			Interval: s.Session.EvictInterval,
			Busy:     rl.InFlight,
		}
		srv.Go(func(ctx context.Context) error { return memoryStore.RunEviction(ctx, policy) })
	}
	if s.Prompt.CountTokens {
		srv.Go(func(ctx context.Context) error {
			if err := assembler.LoadEncoding(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("component", "serve").Msg("token encoding unavailable, prompt sizes are estimated")
			}
			return nil
		})
	}
	srv.OnShutdown("upstream", genCloser)
	srv.OnShutdown("lifecycle consumer", closerFunc(func() error {
		consumer.Stop()
		consumer.Wait()
		return nil
	}))
	srv.OnShutdown("pubsub", pubsub)
	if journalStore != nil {
		srv.OnShutdown("journal", journalStore)
	}
	if redisClient != nil {
		srv.OnShutdown("redis", redisClient)
	}

	log.Info().
		Str("component", "serve").
		Str("generator", gen.Name()).
		Str("session_backend", s.Session.Backend).
		Int("history_cap", s.Session.HistoryCap).
		Bool("redis", s.Redis.Enabled).
		Bool("journal", s.Journal.Enabled).
		Msg("chat relay configured")
	return srv, nil
}

// closeStack closes resources in reverse order of opening.
type closeStack []namedCloser

type namedCloser struct {
	name string
	c    io.Closer
}

func (cs *closeStack) push(name string, c io.Closer) {
	*cs = append(*cs, namedCloser{name: name, c: c})
}

func (cs *closeStack) closeAll() {
	for i := len(*cs) - 1; i >= 0; i-- {
		nc := (*cs)[i]
		if err := nc.c.Close(); err != nil {
			log.Warn().Err(err).Str("resource", nc.name).Msg("close after failed setup")
		}
	}
	*cs = nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
