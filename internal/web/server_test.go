package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/keuin/kimikuri/internal/bot"
	"github.com/keuin/kimikuri/internal/store"
)

type sentMessage struct {
	ChatID int64
	Text   string
}

// stubSender records deliveries instead of talking to Telegram.
type stubSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *stubSender) SendText(_ context.Context, chatID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{ChatID: chatID, Text: text})
	return nil
}

func (s *stubSender) all() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

const testToken = "8Yhs1aT3xkpBV9cNmQ2rWdF5GjKzL4vE6uPnXoCq7HbR"

func newTestServer(t *testing.T) (*Server, *store.Store, *stubSender) {
	t.Helper()
	st, err := store.Open(store.Config{
		Path: filepath.Join(t.TempDir(), "users.db"),
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.CreateUser(context.Background(), store.User{
		ID: 42, Name: "alice", Token: testToken, ChatID: 100,
	}))

	sender := &stubSender{}
	srv := New(Config{Listen: "127.0.0.1:0"}, st, sender, zerolog.Nop())
	return srv, st, sender
}

func postMessage(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, sendResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/message", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp sendResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	}
	return rec, resp
}

func TestRelayDelivers(t *testing.T) {
	t.Parallel()
	srv, _, sender := newTestServer(t)

	rec, resp := postMessage(t, srv.Handler(),
		`{"token":"`+testToken+`","message":"hello there"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.True(t, resp.Success)
	require.Empty(t, resp.Message)

	sent := sender.all()
	require.Len(t, sent, 1)
	require.Equal(t, sentMessage{ChatID: 100, Text: "hello there"}, sent[0])
}

func TestRelayUnknownToken(t *testing.T) {
	t.Parallel()
	srv, _, sender := newTestServer(t)

	rec, resp := postMessage(t, srv.Handler(), `{"token":"nope","message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, resp.Success)
	require.Equal(t, "invalid token.", resp.Message)
	require.Empty(t, sender.all())
}

func TestRelayDeliveryFailure(t *testing.T) {
	t.Parallel()
	srv, _, sender := newTestServer(t)
	sender.err = errors.New("telegram is down")

	rec, resp := postMessage(t, srv.Handler(),
		`{"token":"`+testToken+`","message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, resp.Success)
	require.Equal(t, "failed to send message.", resp.Message)
}

func TestRelayStorageFault(t *testing.T) {
	t.Parallel()
	srv, st, _ := newTestServer(t)
	require.NoError(t, st.Close())

	rec, resp := postMessage(t, srv.Handler(),
		`{"token":"`+testToken+`","message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, resp.Success)
	require.Equal(t, "invalid parameter.", resp.Message)
}

func TestRelayEmptyMessageDelivered(t *testing.T) {
	t.Parallel()
	srv, _, sender := newTestServer(t)

	rec, resp := postMessage(t, srv.Handler(), `{"token":"`+testToken+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)

	sent := sender.all()
	require.Len(t, sent, 1)
	require.Equal(t, "", sent[0].Text)
}

func TestRelayGetVariant(t *testing.T) {
	t.Parallel()
	srv, _, sender := newTestServer(t)

	q := url.Values{}
	q.Set("token", testToken)
	q.Set("message", "via query")
	req := httptest.NewRequest(http.MethodGet, "/message?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp sendResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.Success)

	sent := sender.all()
	require.Len(t, sent, 1)
	require.Equal(t, sentMessage{ChatID: 100, Text: "via query"}, sent[0])
}

func TestMalformedBodyRejected(t *testing.T) {
	t.Parallel()
	srv, _, sender := newTestServer(t)

	rec, _ := postMessage(t, srv.Handler(), `{"token": not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, sender.all())
}

func TestOversizedBodyRejected(t *testing.T) {
	t.Parallel()
	st, err := store.Open(store.Config{
		Path: filepath.Join(t.TempDir(), "users.db"),
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sender := &stubSender{}
	srv := New(Config{Listen: "127.0.0.1:0", MaxBodyBytes: 64}, st, sender, zerolog.Nop())

	body := `{"token":"t","message":"` + strings.Repeat("x", 128) + `"}`
	rec, _ := postMessage(t, srv.Handler(), body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, sender.all())
}

// TestRegisterThenRelay drives the full path: a /start registration issues a
// token, then an HTTP caller uses that token to reach the user's chat.
func TestRegisterThenRelay(t *testing.T) {
	t.Parallel()
	st, err := store.Open(store.Config{
		Path: filepath.Join(t.TempDir(), "users.db"),
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := bot.NewRegistrar(st, zerolog.Nop())
	reply, ok := reg.Register(context.Background(), bot.StartEvent{
		UserID: 7, Username: "bob", ChatID: 70,
	})
	require.True(t, ok)
	i := strings.IndexByte(reply, '`')
	j := strings.LastIndexByte(reply, '`')
	require.True(t, i >= 0 && j > i)
	tok := reply[i+1 : j]

	sender := &stubSender{}
	srv := New(Config{Listen: "127.0.0.1:0"}, st, sender, zerolog.Nop())

	rec, resp := postMessage(t, srv.Handler(),
		`{"token":"`+tok+`","message":"build finished"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)

	sent := sender.all()
	require.Len(t, sent, 1)
	require.Equal(t, sentMessage{ChatID: 70, Text: "build finished"}, sent[0])
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/message", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
