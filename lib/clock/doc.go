// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock instead of calling time.Now or
// time.After directly. In production, Real() provides the standard
// library behavior. In tests, Fake() provides a deterministic clock
// that advances only when Advance is called.
//
// The connection server uses Now to compute per-connection read and
// write deadlines. The SQLite pool uses After to space out retries
// when a write transaction cannot acquire the database lock.
//
// # FakeClock Synchronization
//
// When a goroutine calls After on a FakeClock it registers a pending
// timer. Use WaitForTimers to block until that registration has
// happened before calling Advance:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go pool.Write(ctx, work)  // backs off via c.After
//	c.WaitForTimers(1)
//	c.Advance(time.Second)
package clock
