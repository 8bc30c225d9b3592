package voice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/voicegate/internal/service/session"
)

type fakeAcceptor struct {
	users chan string
}

func (f *fakeAcceptor) Accept(ctx context.Context, conn session.ClientConn, userID string) error {
	f.users <- userID
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session-closed","data":{"reason":"client-requested"}}`))
	return conn.Close()
}

func newServer(t *testing.T, opts Options) (*httptest.Server, *fakeAcceptor) {
	t.Helper()
	acc := &fakeAcceptor{users: make(chan string, 1)}
	r := chi.NewRouter()
	NewWebSocketHandler(acc, opts).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, acc
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/voice/ws" + query
}

func TestHandshakeUsesUserHeader(t *testing.T) {
	srv, acc := newServer(t, Options{Enabled: true})

	header := http.Header{}
	header.Set("X-User-ID", "user-42")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case user := <-acc.users:
		assert.Equal(t, "user-42", user)
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor not called")
	}
}

func TestMissingUserIsUnauthorized(t *testing.T) {
	srv, _ := newServer(t, Options{Enabled: true})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "?userId=u1"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestQueryUserWhenAllowed(t *testing.T) {
	srv, acc := newServer(t, Options{Enabled: true, AllowQueryUser: true})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?userId=u1"), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "u1", <-acc.users)
}

func TestDisabledGatewayReturns503(t *testing.T) {
	srv, _ := newServer(t, Options{Enabled: false})

	header := http.Header{}
	header.Set("X-User-ID", "u1")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOriginAllowList(t *testing.T) {
	srv, _ := newServer(t, Options{Enabled: true, AllowedOrigins: []string{"https://app.example.com"}})

	header := http.Header{}
	header.Set("X-User-ID", "u1")
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://app.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	require.NoError(t, err)
	conn.Close()
}
