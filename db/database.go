package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"opsconsole/core"
)

// ErrClosed is returned by operations on a closed Database.
var ErrClosed = errors.New("db: database is closed")

// Config holds the options for Open. Only Path is required.
type Config struct {
	Path       string
	QueueSize  int // pending history writes; DefaultQueueSize when zero
	Connection *ConnectionConfig
	Logger     *zap.Logger
}

// Database owns the SQLite connection and the repositories built on it.
type Database struct {
	path   string
	logger *zap.Logger

	mu   sync.RWMutex
	conn *sql.DB

	prefs   *Preferences
	history *DownloadHistory
	writer  *AsyncWriter[core.DownloadTask]
}

// Open creates the database file and its directory if needed, applies
// pending migrations and returns a ready Database.
func Open(ctx context.Context, cfg Config) (*Database, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("db")

	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}

	// The migrator closes its own connection, so migrate before opening the pool.
	if err := MigrateUp(cfg.Path); err != nil {
		return nil, err
	}

	connCfg := DefaultConnectionConfig(cfg.Path)
	if cfg.Connection != nil {
		connCfg = *cfg.Connection
		connCfg.Path = cfg.Path
	}
	conn, err := Connect(ctx, connCfg)
	if err != nil {
		return nil, err
	}

	d := &Database{path: cfg.Path, logger: logger, conn: conn}
	d.prefs = &Preferences{db: d}
	d.history = &DownloadHistory{db: d}
	d.writer = NewAsyncWriter("download_history", cfg.QueueSize, logger, d.history.Insert)
	d.history.writer = d.writer

	logger.Info("database opened", zap.String("path", cfg.Path))
	return d, nil
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

// Preferences returns the key/value preference repository.
func (d *Database) Preferences() *Preferences {
	return d.prefs
}

// History returns the finished download repository.
func (d *Database) History() *DownloadHistory {
	return d.history
}

// Ping checks that the connection is alive.
func (d *Database) Ping(ctx context.Context) error {
	conn, err := d.acquire()
	if err != nil {
		return err
	}
	return conn.PingContext(ctx)
}

// StopWrites drains queued history writes. Recording after this point
// is dropped with a warning.
func (d *Database) StopWrites(ctx context.Context) error {
	return d.writer.Stop(ctx)
}

// Close drains pending writes and closes the connection. Safe to call more
// than once.
func (d *Database) Close(ctx context.Context) error {
	stopErr := d.writer.Stop(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	if err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return stopErr
}

func (d *Database) acquire() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return nil, ErrClosed
	}
	return d.conn, nil
}
