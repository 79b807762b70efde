// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

// dialTimeout covers only the connect phase of Call.
const dialTimeout = 5 * time.Second

// responseReadTimeout is how long Call waits for the response after
// writing the request. It covers the server's read and write timeouts
// plus handler execution time.
const responseReadTimeout = 45 * time.Second

// Reply is a decoded response envelope.
type Reply struct {
	Status  string
	Message string

	// Raw is the complete response object.
	Raw []byte
}

// OK reports whether the server answered with status "success".
func (r *Reply) OK() bool { return r.Status == StatusSuccess }

// Decode unmarshals the complete response object into target.
func (r *Reply) Decode(target any) error {
	return json.Unmarshal(r.Raw, target)
}

// Call opens a connection to address, sends request, and returns the
// server's reply. Each Call uses a fresh connection, matching the
// server's one-request-per-connection model. With brace framing the
// request is followed by a half-close so the server never depends on
// the "}" heuristic.
func Call(ctx context.Context, address string, framing Framing, request any) (*Reply, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(responseReadTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	if err := WriteFrame(conn, framing, payload); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok && framing != FramingLength {
		tcpConn.CloseWrite()
	}

	var raw []byte
	if framing == FramingLength {
		raw, err = ReadFrame(conn, framing, DefaultMaxRequestSize*2)
	} else {
		raw, err = io.ReadAll(conn)
	}
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var header struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &Reply{Status: header.Status, Message: header.Message, Raw: raw}, nil
}
