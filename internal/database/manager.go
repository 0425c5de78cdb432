package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	dbconfig "connmgr/pkg/database"
	"connmgr/pkg/interfaces"
	"connmgr/pkg/types"
)

// Manager is the sqlite-backed connection event store. Reads run
// concurrently; writes go through a single writer goroutine.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	dropped      atomic.Int64
}

var _ interfaces.EventStore = (*Manager)(nil)

type writeOperation struct {
	operation func(*sql.DB) error
	// result is nil for fire-and-forget writes
	result chan error
}

// NewManager opens the database and starts the writer. Migrations are
// applied separately.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger,
		writeChannel: make(chan writeOperation, config.WriteQueueSize),
		shutdown:     make(chan struct{}),
	}
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			m.run(op)
		case <-m.shutdown:
			// Flush what was queued before Close.
			for {
				select {
				case op := <-m.writeChannel:
					m.run(op)
				default:
					m.logger.Debug("event store write loop stopped")
					return
				}
			}
		}
	}
}

// run executes op, retrying once after the configured delay
func (m *Manager) run(op writeOperation) {
	err := op.operation(m.db)
	if err != nil && m.config.WriteRetryDelay > 0 {
		m.logger.Warn("database write failed, retrying", "error", err, "delay", m.config.WriteRetryDelay)
		time.Sleep(m.config.WriteRetryDelay)
		err = op.operation(m.db)
	}
	if err != nil {
		m.logger.Error("database write failed", "error", err)
	}
	if op.result != nil {
		op.result <- err
	}
}

// executeWrite queues a write and waits for its result
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return interfaces.ErrStoreClosed
	}

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordEvent validates and stores event, assigning an ID when missing
func (m *Manager) RecordEvent(ctx context.Context, event *types.ConnectionEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if err := event.Validate(); err != nil {
		return err
	}
	return m.executeWrite(ctx, insertEvent(*event))
}

// Observe records event without blocking the caller. Events are dropped
// when the write queue is full.
func (m *Manager) Observe(event types.ConnectionEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if err := event.Validate(); err != nil {
		m.logger.Warn("discarding invalid connection event", "error", err, "kind", event.Kind)
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.writeChannel <- writeOperation{operation: insertEvent(event)}:
	default:
		if m.dropped.Add(1) == 1 {
			m.logger.Warn("event store queue full, dropping events")
		}
	}
}

// Dropped returns how many observed events were discarded for lack of queue space
func (m *Manager) Dropped() int64 {
	return m.dropped.Load()
}

func insertEvent(event types.ConnectionEvent) func(*sql.DB) error {
	return func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO connection_events (id, connection_id, kind, detail, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`,
			event.ID,
			event.ConnectionID,
			string(event.Kind),
			event.Detail,
			event.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		return nil
	}
}

// ListEvents returns every event of one connection, oldest first
func (m *Manager) ListEvents(ctx context.Context, connectionID string) ([]*types.ConnectionEvent, error) {
	return m.queryEvents(ctx, `
		SELECT id, connection_id, kind, detail, timestamp
		FROM connection_events
		WHERE connection_id = ?
		ORDER BY timestamp ASC, rowid ASC
	`, connectionID)
}

// RecentEvents returns at most limit events, newest first
func (m *Manager) RecentEvents(ctx context.Context, limit int) ([]*types.ConnectionEvent, error) {
	if limit <= 0 {
		return []*types.ConnectionEvent{}, nil
	}
	return m.queryEvents(ctx, `
		SELECT id, connection_id, kind, detail, timestamp
		FROM connection_events
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	`, limit)
}

func (m *Manager) queryEvents(ctx context.Context, query string, args ...any) ([]*types.ConnectionEvent, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []*types.ConnectionEvent{}
	for rows.Next() {
		var event types.ConnectionEvent
		var kind string
		if err := rows.Scan(&event.ID, &event.ConnectionID, &kind, &event.Detail, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event.Kind = types.EventKind(kind)
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// CountByKind returns how many events of each kind were recorded
func (m *Manager) CountByKind(ctx context.Context) (map[types.EventKind]int, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT kind, COUNT(*) FROM connection_events GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[types.EventKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[types.EventKind(kind)] = n
	}
	return counts, rows.Err()
}

// DeleteEventsBefore prunes events older than cutoff
func (m *Manager) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM connection_events WHERE timestamp < ?", cutoff.UTC())
		if err != nil {
			return fmt.Errorf("failed to prune events: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// HealthCheck validates connectivity and that the events table is readable
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return interfaces.ErrStoreClosed
	}
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM connection_events LIMIT 1").Scan(&n)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close flushes queued writes and closes the database
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
