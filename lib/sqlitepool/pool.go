// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/pantry/lib/clock"
)

// ErrBusy is returned by Write when the database lock could not be
// acquired after all retries.
var ErrBusy = errors.New("sqlitepool: database is busy")

const (
	defaultBusyTimeout  = 5 * time.Second
	defaultBusyRetries  = 3
	defaultRetryBackoff = 100 * time.Millisecond
)

// Config holds the parameters for opening a SQLite connection pool.
// Path is required; all other fields have sensible defaults.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist. The file is created if it does not
	// exist.
	Path string

	// PoolSize is the number of connections in the pool. If zero or
	// negative, defaults to max(runtime.NumCPU(), 4). SQLite
	// serializes writes regardless of pool size; extra connections let
	// readers proceed while a write is in flight.
	PoolSize int

	// BusyTimeout is how long SQLite itself waits for the write lock
	// before reporting SQLITE_BUSY. Defaults to 5s.
	BusyTimeout time.Duration

	// BusyRetries is how many additional attempts Write makes after a
	// SQLITE_BUSY failure. Zero selects the default of 3; use a
	// negative value to disable retries.
	BusyRetries int

	// RetryBackoff is the base delay between Write attempts. Attempt n
	// waits n*RetryBackoff. Defaults to 100ms.
	RetryBackoff time.Duration

	// Clock drives retry backoff. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Pool is a fixed-size pool of SQLite connections. It is safe for
// concurrent use; individual connections are not.
type Pool struct {
	inner        *sqlitex.Pool
	logger       *slog.Logger
	clock        clock.Clock
	path         string
	busyRetries  int
	retryBackoff time.Duration
}

// Open creates a new connection pool. The database file is created if
// it does not exist. Connections are initialized lazily on first Take.
// The caller must call Close when the pool is no longer needed.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolClock := cfg.Clock
	if poolClock == nil {
		poolClock = clock.Real()
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}
	busyTimeout := cfg.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeout
	}
	busyRetries := cfg.BusyRetries
	switch {
	case busyRetries == 0:
		busyRetries = defaultBusyRetries
	case busyRetries < 0:
		busyRetries = 0
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, busyTimeout)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite pool opened",
		"path", cfg.Path,
		"pool_size", poolSize,
		"busy_timeout", busyTimeout,
		"busy_retries", busyRetries,
	)

	return &Pool{
		inner:        inner,
		logger:       logger,
		clock:        poolClock,
		path:         cfg.Path,
		busyRetries:  busyRetries,
		retryBackoff: retryBackoff,
	}, nil
}

// Take borrows a connection from the pool. Blocks until a connection
// is available or ctx is cancelled. The caller MUST call Put when done.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Safe to call with nil.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Read borrows a connection for the duration of fn.
func (p *Pool) Read(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	return fn(conn)
}

// Write runs fn inside an IMMEDIATE transaction, retrying with backoff
// while the database lock is contended. fn may be called more than
// once.
func (p *Pool) Write(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	for attempt := 0; ; attempt++ {
		err := p.writeOnce(ctx, fn)
		if err == nil || !IsBusy(err) {
			return err
		}
		if attempt >= p.busyRetries {
			p.logger.Warn("sqlite write gave up on busy database",
				"path", p.path,
				"attempts", attempt+1,
				"error", err,
			)
			return fmt.Errorf("%w after %d attempts: %v", ErrBusy, attempt+1, err)
		}

		delay := p.retryBackoff * time.Duration(attempt+1)
		p.logger.Debug("sqlite write busy, retrying",
			"path", p.path,
			"attempt", attempt+1,
			"delay", delay,
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("sqlitepool: waiting to retry write: %w", ctx.Err())
		case <-p.clock.After(delay):
		}
	}
}

func (p *Pool) writeOnce(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return fn(conn)
}

// IsBusy reports whether err is SQLite lock contention: SQLITE_BUSY,
// SQLITE_LOCKED, or an exhausted Write retry.
func IsBusy(err error) bool {
	if errors.Is(err, ErrBusy) {
		return true
	}
	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultBusy, sqlite.ResultLocked:
		return true
	}
	return false
}

// Close closes all connections in the pool. Blocks until all borrowed
// connections are returned.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error",
			"path", p.path,
			"error", err,
		)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

func prepareConnection(conn *sqlite.Conn, busyTimeout time.Duration) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=OFF",
		"PRAGMA cache_size=-8192",
		"PRAGMA mmap_size=268435456",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}
	return nil
}
