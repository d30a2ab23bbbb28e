package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/session"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/logger"
)

func newTestServer(t *testing.T, snapshot SnapshotFunc, origins []string) (*httptest.Server, *session.Registry) {
	logger.Log = zaptest.NewLogger(t)
	registry := session.NewRegistry(zaptest.NewLogger(t))
	h := NewHandler(registry, snapshot, Options{PongWait: time.Second, PingPeriod: 500 * time.Millisecond}, origins, zaptest.NewLogger(t))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.Serve(w, r, r.URL.Query().Get("sessionId"))
	}))
	t.Cleanup(srv.Close)
	return srv, registry
}

func dial(t *testing.T, srv *httptest.Server, sessionID string, header http.Header) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?sessionId=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) model.PushEvent {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev model.PushEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHandler_SnapshotThenEmit(t *testing.T) {
	snapshot := func(ctx context.Context, sessionID string) (model.StatusPayload, bool) {
		return model.StatusPayload{Status: "connecting", Message: "waiting for QR code scan"}, true
	}
	srv, registry := newTestServer(t, snapshot, nil)
	conn := dial(t, srv, "loja_A_1", nil)

	first := readEvent(t, conn)
	assert.Equal(t, model.PushEventStatusUpdate, first.Event)
	assert.Equal(t, "connecting", first.Data.Status)

	require.Eventually(t, func() bool { _, ok := registry.Lookup("loja_A_1"); return ok }, time.Second, 10*time.Millisecond)
	registry.Emit(context.Background(), "loja_A_1", "connected", "connected")

	second := readEvent(t, conn)
	assert.Equal(t, "connected", second.Data.Status)
	assert.Equal(t, "loja_A_1", second.SessionID)
}

func TestHandler_EventBeforeSnapshotWins(t *testing.T) {
	var registry *session.Registry
	snapshot := func(ctx context.Context, sessionID string) (model.StatusPayload, bool) {
		// A transition lands after Register but before the store read returns.
		registry.Emit(ctx, sessionID, "connected", "connected")
		return model.StatusPayload{Status: "connecting", Message: "waiting for QR code scan"}, true
	}
	srv, reg := newTestServer(t, snapshot, nil)
	registry = reg
	conn := dial(t, srv, "loja_A_1", nil)

	first := readEvent(t, conn)
	assert.Equal(t, "connected", first.Data.Status)

	registry.Emit(context.Background(), "loja_A_1", "disconnected", "disconnected")
	second := readEvent(t, conn)
	assert.Equal(t, "disconnected", second.Data.Status)
}

func TestHandler_ClientDisconnectUnregisters(t *testing.T) {
	srv, registry := newTestServer(t, nil, nil)
	conn := dial(t, srv, "loja_A_1", nil)

	require.Eventually(t, func() bool { return registry.Len() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return registry.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestHandler_NewerConnectionReplacesOlder(t *testing.T) {
	srv, registry := newTestServer(t, nil, nil)
	first := dial(t, srv, "loja_A_1", nil)
	require.Eventually(t, func() bool { return registry.Len() == 1 }, time.Second, 10*time.Millisecond)
	older, _ := registry.Lookup("loja_A_1")

	_ = dial(t, srv, "loja_A_1", nil)
	require.Eventually(t, func() bool {
		current, ok := registry.Lookup("loja_A_1")
		return ok && current != older
	}, time.Second, 10*time.Millisecond)

	// the replaced socket is closed by the server
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	// and its teardown must not evict the newer binding
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, registry.Len())
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	srv, registry := newTestServer(t, nil, []string{"https://app.example.com"})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?sessionId=loja_A_1"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, registry.Len())

	ok := dial(t, srv, "loja_A_1", http.Header{"Origin": {"https://app.example.com"}})
	assert.NotNil(t, ok)
}

func TestClient_SendAfterClose(t *testing.T) {
	c := &Client{send: make(chan model.PushEvent, 1), done: make(chan struct{})}

	require.NoError(t, c.Send(model.PushEvent{}))
	assert.ErrorIs(t, c.Send(model.PushEvent{}), ErrSendBufferFull)

	c.Close()
	c.Close()
	assert.ErrorIs(t, c.Send(model.PushEvent{}), ErrClosed)
}

func TestClient_SnapshotOnlyBeforeOtherEvents(t *testing.T) {
	c := &Client{send: make(chan model.PushEvent, 4), done: make(chan struct{})}

	sent, err := c.SendSnapshot(model.PushEvent{SessionID: "a"})
	require.NoError(t, err)
	assert.True(t, sent)

	d := &Client{send: make(chan model.PushEvent, 4), done: make(chan struct{})}
	require.NoError(t, d.Send(model.PushEvent{SessionID: "live"}))
	sent, err = d.SendSnapshot(model.PushEvent{SessionID: "snapshot"})
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Len(t, d.send, 1)
}
