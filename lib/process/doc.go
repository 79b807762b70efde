// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides the binary entrypoint helper used when an
// error escapes run() and the structured logger may not exist yet.
package process
