// Package web exposes the HTTP relay surface.
//
// One route, POST/GET /message. The relay flow itself never fails the
// transport call: lookup errors, unknown tokens and delivery failures all
// collapse into a 200 response with {success:false, message:...}. Only
// malformed input is rejected at the transport layer (400), before the flow
// runs.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keuin/kimikuri/internal/runtime/supervisor"
	"github.com/keuin/kimikuri/internal/store"
)

// Sender delivers a message to a chat. Implemented by the bot adapter.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

type Config struct {
	Listen       string
	MaxBodyBytes int64 // 0 means default (16 KiB)
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const defaultMaxBodyBytes = 16 * 1024

const (
	msgInvalidParameter = "invalid parameter."
	msgInvalidToken     = "invalid token."
	msgSendFailed       = "failed to send message."
)

type sendRequest struct {
	Token   string `json:"token"`
	Message string `json:"message"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Server serves the relay endpoint. It reads the shared user store and
// forwards via Sender; it never writes to the store.
type Server struct {
	cfg    Config
	store  *store.Store
	sender Sender
	log    zerolog.Logger

	mu  sync.Mutex
	srv *http.Server
	sup *supervisor.Supervisor
}

func New(cfg Config, st *store.Store, sender Sender, log zerolog.Logger) *Server {
	return &Server{cfg: cfg, store: st, sender: sender, log: log}
}

// Handler returns the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/message", s.handleMessage)
	return mux
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	log := s.log.With().Str("req_id", uuid.NewString()).Logger()

	var req sendRequest
	switch r.Method {
	case http.MethodPost:
		limit := s.cfg.MaxBodyBytes
		if limit <= 0 {
			limit = defaultMaxBodyBytes
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.Debug().Err(err).Msg("rejecting malformed request body")
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
	case http.MethodGet:
		q := r.URL.Query()
		req.Token = q.Get("token")
		req.Message = q.Get("message")
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := s.relay(r.Context(), log, req)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Debug().Err(err).Msg("cannot write response")
	}
}

// relay resolves the token and forwards the message. Internal failure detail
// stays in the logs; the caller only sees the generic response message.
func (s *Server) relay(ctx context.Context, log zerolog.Logger, req sendRequest) sendResponse {
	u, err := s.store.UserByToken(ctx, req.Token)
	if err != nil {
		log.Error().Err(err).Msg("token lookup failed")
		return sendResponse{Success: false, Message: msgInvalidParameter}
	}
	if u == nil {
		log.Warn().Msg("relay with unknown token")
		return sendResponse{Success: false, Message: msgInvalidToken}
	}

	if err := s.sender.SendText(ctx, u.ChatID, req.Message); err != nil {
		log.Error().Err(err).Int64("user_id", u.ID).Msg("delivery failed")
		return sendResponse{Success: false, Message: msgSendFailed}
	}

	log.Info().Int64("user_id", u.ID).Int("bytes", len(req.Message)).Msg("message relayed")
	return sendResponse{Success: true}
}

// Start binds the listener and serves under an internal supervisor. A failed
// bind is returned to the caller (startup-fatal); errors after that are
// handled by the supervisor.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("web: listen %s: %w", s.cfg.Listen, err)
	}
	s.srv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	sup, srv := s.sup, s.srv
	s.mu.Unlock()

	sup.Go("http.serve", func(c context.Context) error {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	sup.Go0("http.shutdown_on_cancel", func(c context.Context) {
		<-c.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	return nil
}

// Stop stops accepting new requests and drains in-flight ones, bounded by
// ctx. It is idempotent.
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
