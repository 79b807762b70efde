// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobstore keeps recipe images as flat files in one
// directory.
//
// Every blob gets a generated name: a random UUID in hex followed by
// the extension of the client's original file name (".png",
// ".jpeg", ...). Names are never reused and never chosen by clients,
// so a blob is owned by at most one recipe row.
//
// [Store.Put] writes through a temporary file, fsyncs it, and renames
// it into place. A name returned by Put therefore always refers to a
// complete file, which lets the recipe store make the blob durable
// before any row references it. Put also returns a BLAKE3 keyed digest
// of the content; [Verify] checks a blob against a recorded
// digest so a truncated or replaced file can be treated as missing
// rather than served.
//
// [Store.Read] reports a missing file as [ErrNotFound]. [Store.Remove]
// treats a missing file as already removed.
package blobstore
