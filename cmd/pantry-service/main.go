// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/pantry/lib/config"
	"github.com/bureau-foundation/pantry/lib/process"
	"github.com/bureau-foundation/pantry/lib/recipestore"
	"github.com/bureau-foundation/pantry/lib/service"
	"github.com/bureau-foundation/pantry/lib/version"
)

const binaryName = "pantry-service"

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

// options holds the command-line flags. Non-empty values override the
// configuration file.
type options struct {
	configPath  string
	listen      string
	database    string
	images      string
	framing     string
	logLevel    string
	showVersion bool
}

func parseFlags(args []string) (*options, error) {
	var opts options
	flagSet := pflag.NewFlagSet(binaryName, pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "path to a YAML or JSONC config file (default: $"+config.EnvVar+")")
	flagSet.StringVar(&opts.listen, "listen", "", "TCP address to listen on (host:port)")
	flagSet.StringVar(&opts.database, "database", "", "SQLite database file")
	flagSet.StringVar(&opts.images, "images", "", "recipe image directory")
	flagSet.StringVar(&opts.framing, "framing", "", `request framing: "brace" or "length"`)
	flagSet.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if flagSet.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	return &opts, nil
}

// loadConfig reads the configuration file (if any), applies flag
// overrides, and validates the result.
func loadConfig(opts *options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if opts.listen != "" {
		cfg.Listen = opts.listen
	}
	if opts.database != "" {
		cfg.Paths.Database = opts.database
	}
	if opts.images != "" {
		cfg.Paths.Images = opts.images
	}
	if opts.framing != "" {
		cfg.Framing = opts.framing
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the log configuration.
func newLogger(cfg config.LogConfig, output io.Writer) *slog.Logger {
	handlerOptions := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(output, handlerOptions))
	}
	return slog.New(slog.NewTextHandler(output, handlerOptions))
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if opts.showVersion {
		version.Print(binaryName)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	store, err := recipestore.Open(ctx, recipestore.Config{
		DatabasePath:    cfg.Paths.Database,
		ImageDir:        cfg.Paths.Images,
		PoolSize:        cfg.Store.PoolSize,
		BusyTimeout:     cfg.Store.BusyTimeout,
		BusyRetries:     cfg.Store.BusyRetries,
		RetryBackoff:    cfg.Store.RetryBackoff,
		HashConcurrency: cfg.Store.HashConcurrency,
		Credentials:     cfg.Credentials,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", "error", err)
		}
	}()

	framing, err := service.ParseFraming(cfg.Framing)
	if err != nil {
		return err
	}
	server := service.NewServer(service.ServerConfig{
		Address:              cfg.Listen,
		Framing:              framing,
		ReadTimeout:          cfg.Timeouts.Read,
		WriteTimeout:         cfg.Timeouts.Write,
		MaxRequestSize:       cfg.MaxRequestBytes,
		MaxConnections:       cfg.MaxConnections,
		ExposeInternalErrors: cfg.ExposeInternalErrors,
		Logger:               logger,
	})
	newRouter(store, logger).register(server)

	logger.Info("pantry service starting",
		"version", version.Info(),
		"environment", string(cfg.Environment),
		"database", cfg.Paths.Database,
		"images", cfg.Paths.Images,
	)

	if err := server.Serve(ctx); err != nil {
		return err
	}
	logger.Info("shutting down")
	return nil
}
