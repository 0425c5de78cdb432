package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"connmgr/internal/config"
	"connmgr/internal/logging"
	"connmgr/pkg/types"
)

type running struct {
	app    *Application
	base   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.Manager.IdleGrace = 50 * time.Millisecond
	cfg.Manager.DrainTimeout = 2 * time.Second
	cfg.Manager.TimerInterval = 5 * time.Millisecond
	return cfg
}

func start(t *testing.T, cfg *config.Config, process func(ctx context.Context, data []byte) ([]byte, error)) *running {
	t.Helper()
	application, err := NewApplication(cfg, logging.Discard(), process)
	require.NoError(t, err)
	return serve(t, application)
}

func serve(t *testing.T, application *Application) *running {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{app: application, base: "http://" + ln.Addr().String(), cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		r.err = application.Serve(ctx, ln)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
		}
	})
	return r
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case <-r.done:
		return r.err
	case <-time.After(5 * time.Second):
		t.Fatal("application did not stop")
		return nil
	}
}

func (r *running) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+r.base[len("http"):]+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (r *running) getJSON(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(r.base + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, v), string(body))
	}
	return resp.StatusCode
}

func (r *running) waitForConnections(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		stats, err := r.app.Controller().Stats(context.Background())
		return err == nil && stats.Connections == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTP.Port = -1

	application, err := NewApplication(cfg, logging.Discard(), nil)

	assert.Nil(t, application)
	assert.Error(t, err)
}

func TestApplication_ServesEchoAndAPI(t *testing.T) {
	r := start(t, testConfig(t), nil)
	client := r.dial(t)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(data))

	r.waitForConnections(t, 1)

	var list struct {
		Connections []types.ConnectionInfo `json:"connections"`
		Count       int                    `json:"count"`
	}
	require.Equal(t, http.StatusOK, r.getJSON(t, "/api/connections", &list))
	assert.Equal(t, 1, list.Count)

	var health struct {
		Status   string `json:"status"`
		Database string `json:"database"`
	}
	require.Equal(t, http.StatusOK, r.getJSON(t, "/health", &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Database)

	resp, err := http.Get(r.base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "connmgr_acceptor_connections 1")
	assert.Contains(t, string(body), "connmgr_store_dropped_events_total 0")
}

func TestApplication_DropConnectionRecordsHistoryAndEvents(t *testing.T) {
	r := start(t, testConfig(t), nil)
	client := r.dial(t)
	r.waitForConnections(t, 1)

	infos, err := r.app.Controller().Connections(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	id := infos[0].ID

	req, err := http.NewRequest(http.MethodDelete, r.base+"/api/connections/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	r.waitForConnections(t, 0)

	var hist struct {
		Closed []types.ClosedConnection `json:"closed"`
	}
	require.Equal(t, http.StatusOK, r.getJSON(t, "/api/history", &hist))
	require.Len(t, hist.Closed, 1)
	assert.Equal(t, id, hist.Closed[0].ID)

	require.Eventually(t, func() bool {
		resp, err := http.Get(r.base + "/api/events?connection_id=" + id)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var events struct {
			Events []types.ConnectionEvent `json:"events"`
		}
		if json.NewDecoder(resp.Body).Decode(&events) != nil {
			return false
		}
		for _, e := range events.Events {
			if e.Kind == types.EventRemoved {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApplication_GracefulShutdownDrains(t *testing.T) {
	r := start(t, testConfig(t), nil)
	client := r.dial(t)
	r.waitForConnections(t, 1)

	r.cancel()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "shutdown_pending")

	_, _, err = client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)

	assert.NoError(t, r.stop(t))
}

func TestApplication_DrainTimeoutDropsBusyConnections(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Enabled = false
	cfg.Manager.IdleGrace = 0
	cfg.Manager.DrainTimeout = 200 * time.Millisecond

	process := func(ctx context.Context, data []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r := start(t, cfg, process)
	client := r.dial(t)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("stuck")))
	require.Eventually(t, func() bool {
		stats, err := r.app.Controller().Stats(context.Background())
		return err == nil && stats.Active == 1
	}, 2*time.Second, 5*time.Millisecond)

	started := time.Now()
	assert.NoError(t, r.stop(t))
	assert.GreaterOrEqual(t, time.Since(started), 150*time.Millisecond)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	assert.Error(t, err)
}

func TestApplication_ShutdownWithoutConnections(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	r := start(t, cfg, nil)

	require.Equal(t, http.StatusNotFound, r.getJSON(t, "/metrics", nil))
	assert.NoError(t, r.stop(t))
}

func TestNewApplication_RejectsInvalidSchema(t *testing.T) {
	cfg := testConfig(t)
	db, err := sql.Open("sqlite3", cfg.Database.Path)
	require.NoError(t, err)
	// Migrations recorded as applied but the events table is missing.
	_, err = db.Exec(`CREATE TABLE schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO schema_migrations (version) VALUES ('001'), ('002')")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	application, err := NewApplication(cfg, logging.Discard(), nil)

	assert.Nil(t, application)
	assert.ErrorContains(t, err, "schema")
}

func TestApplication_PrunesExpiredEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Retention = time.Hour
	cfg.Database.PruneInterval = 20 * time.Millisecond
	application, err := NewApplication(cfg, logging.Discard(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, application.store.RecordEvent(ctx, &types.ConnectionEvent{
		ConnectionID: "old", Kind: types.EventAdded, Timestamp: now.Add(-2 * time.Hour),
	}))
	require.NoError(t, application.store.RecordEvent(ctx, &types.ConnectionEvent{
		ConnectionID: "recent", Kind: types.EventAdded, Timestamp: now,
	}))

	r := serve(t, application)

	require.Eventually(t, func() bool {
		events, err := application.store.RecentEvents(ctx, 10)
		return err == nil && len(events) == 1 && events[0].ConnectionID == "recent"
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, r.stop(t))
}
