package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	// ARCHITECTURAL DISCOVERY: the driver registers itself; only the DSN names it
	_ "github.com/mattn/go-sqlite3"

	dbconfig "lanrelay/pkg/database"
	"lanrelay/pkg/types"
)

const (
	defaultRetryDelay = 5 * time.Second
	writeTimeout      = 30 * time.Second
	maxListLimit      = 1000
)

var (
	// ErrManagerClosed is returned for writes after Close.
	ErrManagerClosed = errors.New("database manager is closed")
	// ErrWriteTimeout is returned when the write queue does not accept an operation in time.
	ErrWriteTimeout = errors.New("write operation timeout")
)

// Manager is the SQLite-backed event journal.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // TECHNICAL: single writer for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	retryDelay   time.Duration
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the journal database and starts its writer goroutine.
// The schema is applied separately through MigrationManager.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
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
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   defaultRetryDelay,
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop runs every write on one goroutine. A failed write is retried once.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				log.Printf("[DB] Write failed, retrying in %v: %v", m.retryDelay, err)
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
				if err != nil {
					log.Printf("[DB] Write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("[DB] Write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for its result.
func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-time.After(writeTimeout):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		// writeLoop may have exited before picking the operation up
		select {
		case err := <-result:
			return err
		default:
			return ErrManagerClosed
		}
	}
}

// StoreEvent appends one event to the journal.
func (m *Manager) StoreEvent(ctx context.Context, event *types.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	return m.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO events (id, room, username, kind, detail, remote_addr, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`
		// TECHNICAL DISCOVERY: timestamps are stored in UTC so the text form sorts chronologically
		_, err := db.ExecContext(ctx, query,
			event.ID,
			event.Room,
			event.Username,
			event.Kind,
			event.Detail,
			event.RemoteAddr,
			event.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		return nil
	})
}

// ListRoomEvents returns up to limit events for room, newest first.
// Reads bypass the writer goroutine.
func (m *Manager) ListRoomEvents(ctx context.Context, room string, limit int) ([]*types.Event, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	query := `
		SELECT id, room, username, kind, detail, remote_addr, timestamp
		FROM events
		WHERE room = ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	`

	rows, err := m.db.QueryContext(ctx, query, room, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query room events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]*types.Event, 0)
	for rows.Next() {
		var event types.Event
		err := rows.Scan(
			&event.ID,
			&event.Room,
			&event.Username,
			&event.Kind,
			&event.Detail,
			&event.RemoteAddr,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, &event)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}

	return events, nil
}

// CountEvents returns the number of journaled events.
func (m *Manager) CountEvents(ctx context.Context) (int, error) {
	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// HealthCheck validates connectivity and that the events table is readable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events LIMIT 1").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the database. Safe to call more than once.
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
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	return nil
}
