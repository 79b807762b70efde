// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package recipestore persists accounts, recipes, and recipe images.
//
// Rows live in SQLite (through [sqlitepool]) and images live in a
// [blobstore] directory. The two are not covered by one transaction,
// so every operation that touches both orders its steps to keep
// references valid:
//
//   - save writes the blob durably before inserting the row that
//     names it, and removes the blob if the insert fails;
//   - update writes the replacement blob first, updates the row in
//     place inside one transaction, and removes the superseded blob
//     only after commit (or the new blob if the transaction failed);
//   - delete removes the row first and the blob second.
//
// The worst outcome of a crash between steps is an orphaned blob,
// never a row that references a missing file. Readers tolerate missing
// files anyway: a recipe whose blob cannot be read is returned without
// image data.
//
// Credentials are stored as argon2id hashes (see [passhash]). Rows
// carried over from a plaintext database are verified in constant
// time and rehashed on the next successful login.
//
// The schema keeps the table and column names of the original
// database.db so an existing file can be opened in place; versioning
// uses PRAGMA user_version.
package recipestore
