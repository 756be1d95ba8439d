// Package pprof serves Go's runtime profiles on an opt-in debug listener.
//
// The listener is separate from the relay endpoint so profiles are never
// reachable from the public surface. Bind it to loopback.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/keuin/kimikuri/internal/runtime/supervisor"
)

type Config struct {
	Listen string
}

type Server struct {
	cfg Config
	log zerolog.Logger

	mu  sync.Mutex
	srv *http.Server
	sup *supervisor.Supervisor
}

func New(cfg Config, log zerolog.Logger) *Server {
	return &Server{cfg: cfg, log: log}
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	return mux
}

// Start binds the debug listener. A failed bind is returned to the caller.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("pprof: listen %s: %w", s.cfg.Listen, err)
	}
	if addr, ok := ln.Addr().(*net.TCPAddr); ok && !addr.IP.IsLoopback() {
		s.log.Warn().Str("addr", addr.String()).Msg("pprof listener is not loopback")
	}

	s.srv = &http.Server{
		Handler:     s.handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: time.Minute,
	}
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	sup, srv := s.sup, s.srv
	s.mu.Unlock()

	sup.Go("pprof.serve", func(c context.Context) error {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("pprof listening")
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	sup.Go0("pprof.shutdown_on_cancel", func(c context.Context) {
		<-c.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	return nil
}

// Stop shuts the debug listener down, bounded by ctx. Idempotent.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	return err
}
