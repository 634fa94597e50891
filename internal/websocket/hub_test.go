package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(func(secret string) bool { return secret == "s3cret" }, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHubRejectsWrongSecret(t *testing.T) {
	_, srv := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(srv)+"?secret=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHubPingAndPublish(t *testing.T) {
	hub, srv := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set(SecretHeader, "s3cret")
	conn, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping","payload":{}}`)))
	require.Equal(t, "pong", readMessage(t, ctx, conn).Type)
	require.Equal(t, 1, hub.ClientCount())

	hub.Publish("link.created", map[string]string{"userId": "u1"})
	msg := readMessage(t, ctx, conn)
	require.Equal(t, "link.created", msg.Type)
	require.JSONEq(t, `{"userId":"u1"}`, string(msg.Payload))
}

func TestHubAcceptsSecretQueryParameter(t *testing.T) {
	_, srv := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv)+"?secret=s3cret", nil)
	require.NoError(t, err)
	conn.Close(websocket.StatusNormalClosure, "")
}

func waitFor(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}
}

func TestHubShutdownReleasesClients(t *testing.T) {
	hub := NewHub(func(secret string) bool { return secret == "s3cret" }, nil, nil)
	runCtx, stop := context.WithCancel(context.Background())
	go hub.Run(runCtx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv)+"?secret=s3cret", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	stop()

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	require.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	waitFor(t, hub.Wait)
	require.Equal(t, 0, hub.ClientCount())
}

func TestHubRefusesClientsAfterShutdown(t *testing.T) {
	hub := NewHub(func(secret string) bool { return secret == "s3cret" }, nil, nil)
	runCtx, stop := context.WithCancel(context.Background())
	stop()
	hub.Run(runCtx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv)+"?secret=s3cret", nil)
	require.NoError(t, err)

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	require.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	waitFor(t, hub.Wait)
	require.Equal(t, 0, hub.ClientCount())
}
