// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package recipestore

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/pantry/lib/sqlitepool"
)

// migrations[i] upgrades a database at user_version i to i+1. Entries
// are append-only.
var migrations = []string{
	// 1: the original tables. IF NOT EXISTS lets a database.db written
	// by earlier servers pass through unchanged.
	`
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password TEXT NOT NULL,
		admin INTEGER NOT NULL DEFAULT 0,
		authorized INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS recipes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		author_name TEXT NOT NULL,
		recipe_name TEXT NOT NULL,
		description TEXT NOT NULL,
		cooking_time INTEGER NOT NULL,
		products TEXT NOT NULL,
		picture_path TEXT NOT NULL,
		confirmed INTEGER NOT NULL DEFAULT 0
	);
	`,

	// 2: content digest of the image blob. Empty for rows written
	// before this column existed.
	`
	ALTER TABLE recipes ADD COLUMN picture_digest TEXT NOT NULL DEFAULT '';
	`,
}

// schemaVersion is the user_version of a fully migrated database.
func schemaVersion() int { return len(migrations) }

func migrate(ctx context.Context, pool *sqlitepool.Pool, logger *slog.Logger) error {
	return pool.Write(ctx, func(conn *sqlite.Conn) error {
		current, err := userVersion(conn)
		if err != nil {
			return err
		}
		if current > schemaVersion() {
			return fmt.Errorf("database schema version %d is newer than supported version %d", current, schemaVersion())
		}
		if current == schemaVersion() {
			return nil
		}

		for version := current; version < schemaVersion(); version++ {
			if err := sqlitex.ExecuteScript(conn, migrations[version], nil); err != nil {
				return fmt.Errorf("applying schema migration %d: %w", version+1, err)
			}
		}
		pragma := fmt.Sprintf("PRAGMA user_version = %d", schemaVersion())
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}

		logger.Info("database schema migrated",
			"from_version", current,
			"to_version", schemaVersion(),
		)
		return nil
	})
}

func userVersion(conn *sqlite.Conn) (int, error) {
	var version int
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}
