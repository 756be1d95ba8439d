package pprof

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestHandlerServesIndex(t *testing.T) {
	t.Parallel()
	s := New(Config{Listen: "127.0.0.1:0"}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("index status = %d", rec.Code)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Listen: "127.0.0.1:0"}, zerolog.Nop())

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	// Second Start is a no-op.
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second Start error: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second Stop error: %v", err)
	}
}

func TestStartBadAddr(t *testing.T) {
	t.Parallel()
	s := New(Config{Listen: "definitely not an addr"}, zerolog.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected bind error")
	}
}
