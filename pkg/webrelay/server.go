package webrelay

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Server drives the HTTP listener and the background loops registered with it.
type Server struct {
	httpSrv         *http.Server
	shutdownTimeout time.Duration
	background      []func(ctx context.Context) error
	closers         []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

func NewServer(addr string, h http.Handler, shutdownTimeout time.Duration) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &Server{
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTimeout: shutdownTimeout,
	}
}

func (s *Server) HTTPServer() *http.Server { return s.httpSrv }

// Go registers a loop that runs for the lifetime of the server. It must return
// when its context is cancelled.
func (s *Server) Go(f func(ctx context.Context) error) {
	s.background = append(s.background, f)
}

// OnShutdown registers a resource closed after the listener has drained, in
// registration order.
func (s *Server) OnShutdown(name string, c io.Closer) {
	if c == nil {
		return
	}
	s.closers = append(s.closers, namedCloser{name: name, c: c})
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts the
// listener down gracefully and closes registered resources.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	eg, egCtx := errgroup.WithContext(ctx)
	srvCtx, srvCancel := context.WithCancel(egCtx)
	defer srvCancel()

	for _, f := range s.background {
		f := f
		eg.Go(func() error { return f(srvCtx) })
	}

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		for _, nc := range s.closers {
			if err := nc.c.Close(); err != nil {
				log.Error().Err(err).Str("resource", nc.name).Msg("close error")
			}
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting chat-relay server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}
