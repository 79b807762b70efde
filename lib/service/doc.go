// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service implements pantry's network surface: a TCP server
// that reads exactly one JSON request per connection, dispatches it by
// its "action" field, writes exactly one JSON response, and closes the
// connection.
//
// # Framing
//
// Two framings are supported, chosen per server:
//
//   - [FramingBrace] reads until the peer half-closes or until the
//     bytes received so far, ignoring trailing whitespace, end in "}".
//     This is what existing clients speak. It is a heuristic: a chunk
//     boundary that happens to fall right after a "}" inside a string
//     value ends the read early, and the truncated text then fails to
//     parse. Clients avoid this by half-closing after the request.
//   - [FramingLength] prefixes every request and response with a
//     4-byte big-endian payload length. The payload may contain any
//     bytes.
//
// Responses are written with a single Write. In brace framing there is
// no terminator; the client reads until the server closes.
//
// # Envelope
//
// Every response is a JSON object with "status" set to "success" or
// "error". Success responses merge the handler's result object into
// the envelope; error responses carry "message". Handlers mark errors
// safe to show clients with [Public] or [Publicf]. Any other error is
// logged and reported as "Internal server error", unless the server
// is configured to expose internal errors verbatim.
//
// # Connections
//
// Each accepted connection gets its own goroutine with read and write
// deadlines. A failing or panicking handler affects only its own
// connection. By default the number of concurrent connections is
// unbounded; ServerConfig.MaxConnections makes the accept loop wait
// for a free slot instead.
package service
