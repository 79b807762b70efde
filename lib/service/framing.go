// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Framing selects how one request is delimited on a connection.
type Framing string

const (
	// FramingBrace ends a request at end of stream or when the data
	// received so far ends in "}".
	FramingBrace Framing = "brace"

	// FramingLength prefixes each message with a 4-byte big-endian
	// length.
	FramingLength Framing = "length"
)

// readChunkSize is the read size for brace framing.
const readChunkSize = 4096

var (
	// ErrEmptyRequest means the peer closed without sending anything.
	ErrEmptyRequest = errors.New("empty request")

	// ErrRequestTooLarge means the request exceeded the size limit.
	ErrRequestTooLarge = errors.New("request too large")

	// ErrTruncatedFrame means the stream ended inside a length-prefixed
	// frame.
	ErrTruncatedFrame = errors.New("truncated frame")
)

// ParseFraming validates a framing name from configuration.
func ParseFraming(name string) (Framing, error) {
	switch Framing(name) {
	case FramingBrace, FramingLength:
		return Framing(name), nil
	}
	return "", fmt.Errorf("unknown framing %q (want %q or %q)", name, FramingBrace, FramingLength)
}

// ReadFrame reads one message from r. maxSize bounds the payload in
// bytes.
func ReadFrame(r io.Reader, framing Framing, maxSize int) ([]byte, error) {
	switch framing {
	case FramingLength:
		return readLengthFrame(r, maxSize)
	case FramingBrace, "":
		return readBraceFrame(r, maxSize)
	}
	return nil, fmt.Errorf("unknown framing %q", framing)
}

func readBraceFrame(r io.Reader, maxSize int) ([]byte, error) {
	var buffer []byte
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buffer = append(buffer, chunk[:n]...)
			if len(buffer) > maxSize {
				return nil, ErrRequestTooLarge
			}
			if endsWithBrace(buffer) {
				return buffer, nil
			}
		}
		if errors.Is(err, io.EOF) {
			if len(buffer) == 0 {
				return nil, ErrEmptyRequest
			}
			return buffer, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func endsWithBrace(buffer []byte) bool {
	trimmed := bytes.TrimRight(buffer, " \t\r\n")
	return len(trimmed) > 0 && trimmed[len(trimmed)-1] == '}'
}

func readLengthFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return nil, ErrEmptyRequest
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if uint64(size) > uint64(maxSize) {
		return nil, ErrRequestTooLarge
	}
	// The header is only a claim; memory grows with the bytes that
	// actually arrive.
	payload, err := io.ReadAll(io.LimitReader(r, int64(size)))
	if err != nil {
		return nil, err
	}
	if len(payload) != int(size) {
		return nil, ErrTruncatedFrame
	}
	return payload, nil
}

// WriteFrame writes payload to w with a single Write call.
func WriteFrame(w io.Writer, framing Framing, payload []byte) error {
	message := payload
	if framing == FramingLength {
		if uint64(len(payload)) > uint64(^uint32(0)) {
			return ErrRequestTooLarge
		}
		message = make([]byte, 4+len(payload))
		binary.BigEndian.PutUint32(message, uint32(len(payload)))
		copy(message[4:], payload)
	}
	_, err := w.Write(message)
	return err
}
