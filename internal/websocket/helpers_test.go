package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"connmgr/internal/acceptor"
	"connmgr/internal/eventloop"
	"connmgr/internal/timer"
)

type testServer struct {
	loop    *eventloop.Loop
	manager *acceptor.ConnectionManager
	handler *Handler
	server  *httptest.Server
	url     string
}

func newTestServer(t *testing.T, timeout time.Duration, process MessageFunc) *testServer {
	t.Helper()
	loop := eventloop.New(timer.New(timer.WithInterval(5 * time.Millisecond)))
	manager := acceptor.NewConnectionManager(loop.Timer(), loop, acceptor.WithDefaultTimeout(timeout))
	settings := DefaultSettings()
	settings.PingInterval = 0
	handler := NewHandler(loop, manager, settings, process, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(func() {
		server.Close()
		cancel()
		<-done
	})
	return &testServer{
		loop:    loop,
		manager: manager,
		handler: handler,
		server:  server,
		url:     "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// onLoop runs fn on the server's event loop
func (ts *testServer) onLoop(t *testing.T, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ts.loop.Do(ctx, fn))
}

// numConnections returns -1 when the loop does not answer
func (ts *testServer) numConnections() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n := -1
	if err := ts.loop.Do(ctx, func() { n = ts.manager.NumConnections() }); err != nil {
		return -1
	}
	return n
}

func (ts *testServer) waitForConnections(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ts.numConnections() == want
	}, 2*time.Second, 5*time.Millisecond)
}

// readClose reads until the server closes the socket and returns the close error
func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		require.Truef(t, ok, "expected close frame, got %v", err)
		return closeErr
	}
}

// Helper function to create a raw client connection against a sink server
func createTestWebSocketConnection(t *testing.T) *websocket.Conn {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to create test WebSocket connection: %v", err)
	}
	return conn
}
