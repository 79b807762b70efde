// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package recipestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bureau-foundation/pantry/lib/blobstore"
	"github.com/bureau-foundation/pantry/lib/clock"
	"github.com/bureau-foundation/pantry/lib/passhash"
	"github.com/bureau-foundation/pantry/lib/sqlitepool"
)

var (
	// ErrDuplicateHandle is returned by Register when the handle is
	// already taken.
	ErrDuplicateHandle = errors.New("username already exists")

	// ErrInvalidCredentials is returned by CheckLogin when no account
	// matches the handle and credential.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrMissingImageData is returned by SaveRecipe when the image
	// name or payload is absent.
	ErrMissingImageData = errors.New("missing image data")

	// ErrRecipeNotFound is returned by UpdateRecipe for an unknown id.
	ErrRecipeNotFound = errors.New("recipe not found")

	// ErrInvalidRecipe is returned when recipe fields are out of range.
	ErrInvalidRecipe = errors.New("invalid recipe")

	// ErrInvalidFilter is returned by ListRecipes for a negative limit.
	ErrInvalidFilter = errors.New("invalid recipe filter")
)

// Config holds the parameters for opening a Store.
type Config struct {
	// DatabasePath is the SQLite database file. Its parent directory
	// must exist.
	DatabasePath string

	// ImageDir holds recipe image blobs. Created if missing.
	ImageDir string

	// PoolSize, BusyTimeout, BusyRetries, and RetryBackoff are passed
	// to sqlitepool; zero values select its defaults.
	PoolSize     int
	BusyTimeout  time.Duration
	BusyRetries  int
	RetryBackoff time.Duration

	// Credentials are the argon2id parameters for new hashes. The zero
	// value selects passhash.DefaultParams.
	Credentials passhash.Params

	// HashConcurrency caps how many argon2 derivations run at once.
	// Each one holds Credentials.Memory KiB. 0 selects runtime.NumCPU().
	HashConcurrency int

	// Clock drives write retry backoff. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Store is the persistence layer for accounts and recipes. It is safe
// for concurrent use.
type Store struct {
	pool        *sqlitepool.Pool
	blobs       *blobstore.Store
	credentials passhash.Params
	hashing     *semaphore.Weighted
	logger      *slog.Logger

	// dummyHash is verified against when a login names an unknown
	// handle, so both outcomes cost one argon2 derivation.
	dummyHash string
}

// Open opens (creating if necessary) the database and image directory
// and brings the schema up to date.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("recipestore: DatabasePath is required")
	}
	if cfg.ImageDir == "" {
		return nil, fmt.Errorf("recipestore: ImageDir is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("recipestore: Logger is required")
	}

	credentials := cfg.Credentials
	if credentials == (passhash.Params{}) {
		credentials = passhash.DefaultParams()
	}
	if err := credentials.Validate(); err != nil {
		return nil, fmt.Errorf("recipestore: credential parameters: %w", err)
	}

	hashConcurrency := cfg.HashConcurrency
	if hashConcurrency < 0 {
		return nil, fmt.Errorf("recipestore: HashConcurrency must not be negative")
	}
	if hashConcurrency == 0 {
		hashConcurrency = runtime.NumCPU()
	}

	blobs, err := blobstore.Open(cfg.ImageDir)
	if err != nil {
		return nil, fmt.Errorf("recipestore: %w", err)
	}

	dummyHash, err := passhash.Hash("pantry-unknown-account", credentials)
	if err != nil {
		return nil, fmt.Errorf("recipestore: %w", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:         cfg.DatabasePath,
		PoolSize:     cfg.PoolSize,
		BusyTimeout:  cfg.BusyTimeout,
		BusyRetries:  cfg.BusyRetries,
		RetryBackoff: cfg.RetryBackoff,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("recipestore: %w", err)
	}

	if err := migrate(ctx, pool, cfg.Logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("recipestore: %w", err)
	}

	return &Store{
		pool:        pool,
		blobs:       blobs,
		credentials: credentials,
		hashing:     semaphore.NewWeighted(int64(hashConcurrency)),
		logger:      cfg.Logger,
		dummyHash:   dummyHash,
	}, nil
}

// Close closes the database pool. Blocks until all borrowed
// connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}
