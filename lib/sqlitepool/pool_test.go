// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/pantry/lib/clock"
	"github.com/bureau-foundation/pantry/lib/sqlitepool"
	"github.com/bureau-foundation/pantry/lib/testutil"
)

const countersSchema = `
	CREATE TABLE IF NOT EXISTS counters (
		name  TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
`

func TestOpenAppliesPragmas(t *testing.T) {
	pool := openTestPool(t, sqlitepool.Config{BusyTimeout: 1500 * time.Millisecond})

	err := pool.Read(context.Background(), func(conn *sqlite.Conn) error {
		checks := map[string]string{
			"PRAGMA journal_mode": "wal",
			"PRAGMA synchronous":  "1",
			"PRAGMA busy_timeout": "1500",
		}
		for pragma, want := range checks {
			var got string
			err := sqlitex.ExecuteTransient(conn, pragma, &sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					got = stmt.ColumnText(0)
					return nil
				},
			})
			if err != nil {
				return fmt.Errorf("%s: %w", pragma, err)
			}
			if got != want {
				t.Errorf("%s = %q, want %q", pragma, got, want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("expected error for empty Path")
	}
}

func TestWriteCommitsOnSuccess(t *testing.T) {
	pool := openTestPool(t, sqlitepool.Config{})

	err := pool.Write(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO counters (name, value) VALUES ('a', 1)", nil)
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := readCounter(t, pool, "a"); got != 1 {
		t.Errorf("counter a = %d, want 1", got)
	}
}

func TestWriteRollsBackOnError(t *testing.T) {
	pool := openTestPool(t, sqlitepool.Config{})
	failure := errors.New("abort")

	err := pool.Write(context.Background(), func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "INSERT INTO counters (name, value) VALUES ('b', 1)", nil); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("Write error = %v, want %v", err, failure)
	}

	if got := readCounter(t, pool, "b"); got != -1 {
		t.Errorf("counter b = %d, want no row", got)
	}
}

func TestConcurrentWritesSerialize(t *testing.T) {
	pool := openTestPool(t, sqlitepool.Config{PoolSize: 8})
	if err := pool.Write(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO counters (name, value) VALUES ('shared', 0)", nil)
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const writers = 16
	var waitGroup sync.WaitGroup
	errs := make(chan error, writers)
	for range writers {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			errs <- pool.Write(context.Background(), func(conn *sqlite.Conn) error {
				return sqlitex.Execute(conn, "UPDATE counters SET value = value + 1 WHERE name = 'shared'", nil)
			})
		}()
	}
	waitGroup.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Write: %v", err)
		}
	}

	if got := readCounter(t, pool, "shared"); got != writers {
		t.Errorf("shared counter = %d, want %d", got, writers)
	}
}

func TestWriteRetriesAfterBusy(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	pool := openTestPool(t, sqlitepool.Config{
		PoolSize:     2,
		BusyTimeout:  10 * time.Millisecond,
		BusyRetries:  3,
		RetryBackoff: time.Second,
		Clock:        fakeClock,
	})

	release := holdWriteLock(t, pool)

	result := make(chan error, 1)
	go func() {
		result <- pool.Write(context.Background(), func(conn *sqlite.Conn) error {
			return sqlitex.Execute(conn, "INSERT INTO counters (name, value) VALUES ('retry', 7)", nil)
		})
	}()

	// The first attempt times out inside SQLite and parks on the
	// backoff timer. Release the lock, then let the retry run.
	fakeClock.WaitForTimers(1)
	release()
	fakeClock.Advance(time.Second)

	if err := testutil.RequireReceive(t, result, 10*time.Second, "waiting for retried write"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := readCounter(t, pool, "retry"); got != 7 {
		t.Errorf("counter retry = %d, want 7", got)
	}
}

func TestWriteGivesUpWithErrBusy(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	pool := openTestPool(t, sqlitepool.Config{
		PoolSize:     2,
		BusyTimeout:  10 * time.Millisecond,
		BusyRetries:  2,
		RetryBackoff: time.Second,
		Clock:        fakeClock,
	})

	release := holdWriteLock(t, pool)
	defer release()

	result := make(chan error, 1)
	go func() {
		result <- pool.Write(context.Background(), func(conn *sqlite.Conn) error {
			return sqlitex.Execute(conn, "INSERT INTO counters (name, value) VALUES ('never', 1)", nil)
		})
	}()

	for range 2 {
		fakeClock.WaitForTimers(1)
		fakeClock.Advance(time.Minute)
	}

	err := testutil.RequireReceive(t, result, 10*time.Second, "waiting for Write to give up")
	if !errors.Is(err, sqlitepool.ErrBusy) {
		t.Fatalf("Write error = %v, want ErrBusy", err)
	}
	if !sqlitepool.IsBusy(err) {
		t.Error("IsBusy(ErrBusy) = false")
	}
}

func TestIsBusyIgnoresOtherErrors(t *testing.T) {
	if sqlitepool.IsBusy(nil) {
		t.Error("IsBusy(nil) = true")
	}
	if sqlitepool.IsBusy(errors.New("disk on fire")) {
		t.Error("IsBusy(plain error) = true")
	}
}

// holdWriteLock takes a connection, starts an IMMEDIATE transaction on
// it, and returns a function that rolls back and returns the
// connection to the pool.
func holdWriteLock(t *testing.T, pool *sqlitepool.Pool) func() {
	t.Helper()
	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := sqlitex.ExecuteTransient(conn, "BEGIN IMMEDIATE", nil); err != nil {
		pool.Put(conn)
		t.Fatalf("BEGIN IMMEDIATE: %v", err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sqlitex.ExecuteTransient(conn, "ROLLBACK", nil); err != nil {
				t.Errorf("ROLLBACK: %v", err)
			}
			pool.Put(conn)
		})
	}
}

// readCounter returns the value of the named counter, or -1 if the row
// does not exist.
func readCounter(t *testing.T, pool *sqlitepool.Pool, name string) int64 {
	t.Helper()
	value := int64(-1)
	err := pool.Read(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT value FROM counters WHERE name = ?", &sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("reading counter %s: %v", name, err)
	}
	return value
}

// openTestPool opens a pool on a temporary database with the counters
// table, closed automatically when the test completes.
func openTestPool(t *testing.T, cfg sqlitepool.Config) *sqlitepool.Pool {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 4
	}
	pool, err := sqlitepool.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	if err := pool.Write(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, countersSchema, nil)
	}); err != nil {
		t.Fatalf("creating schema: %v", err)
	}
	return pool
}
