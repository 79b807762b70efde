// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the pantry service.
//
// Configuration comes from at most one file, named by either the
// PANTRY_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no automatic file search. Without a file
// the service runs on [Default] values, which reproduce the historical
// behavior: listen on 0.0.0.0:65432, database.db and recipe_images/ in
// the working directory.
//
// Files ending in .json or .jsonc are read as JSON with comments and
// trailing commas; anything else is read as YAML.
//
// The file may contain environment-specific sections (development,
// production) that override logging and error exposure when
// [Config].Environment matches. Production without its own section
// logs JSON.
//
// Variable expansion is performed on path fields after loading:
// ${HOME} and ${VAR:-default} patterns are expanded.
//
// Key exports:
//
//   - [Config] -- master struct with Listen, Paths, Timeouts, Store, Log
//   - [Default] -- returns a Config with default values
//   - [Load] and [LoadFile] -- the two entry points for loading
package config
