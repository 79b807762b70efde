// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool used by the
// pantry store.
//
// It wraps zombiezen.com/go/sqlite with production defaults: WAL
// journal mode, NORMAL synchronous for process-crash durability
// without fsync-per-commit overhead, memory-mapped I/O for read
// performance, and a busy timeout so writers queue on the database
// lock instead of failing immediately.
//
// The pool is built on zombiezen's sqlitex.Pool, which manages a
// fixed-size set of connections. Connections are NOT safe for
// concurrent use; each goroutine must hold its own connection for the
// duration of its work. Most callers never touch Take and Put directly
// and instead use the two helpers:
//
//   - [Pool.Read] borrows a connection for a read-only function. WAL
//     lets any number of readers run alongside the single writer.
//   - [Pool.Write] borrows a connection and runs the function inside a
//     BEGIN IMMEDIATE transaction, committing on nil error and rolling
//     back otherwise.
//
// # Write contention
//
// SQLite admits one writer at a time. A writer that cannot take the
// lock waits up to busy_timeout inside SQLite. If the lock is still
// held after that, Write rolls back, waits for a linear backoff on the
// injected clock, and tries again, up to Config.BusyRetries extra
// attempts. When every attempt fails the error wraps [ErrBusy], so
// callers never see a raw "database is locked" failure. The write
// function may therefore run more than once and must not have side
// effects outside the connection.
//
// # Pragmas
//
// Every connection in the pool is initialized with:
//
//   - journal_mode=WAL
//   - synchronous=NORMAL
//   - busy_timeout=<Config.BusyTimeout in ms> (default 5000)
//   - foreign_keys=OFF: the store manages references explicitly and
//     account deletion intentionally does not cascade to recipes.
//   - cache_size=-8192
//   - mmap_size=268435456
//   - temp_store=MEMORY
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   "/var/lib/pantry/database.db",
//	    Logger: logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	err = pool.Write(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "UPDATE users SET authorized = 1 WHERE id = ?",
//	        &sqlitex.ExecOptions{Args: []any{id}})
//	})
package sqlitepool
