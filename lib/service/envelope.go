// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Fixed client-facing messages produced by the server itself.
const (
	MessageUnknownAction   = "Unknown action"
	MessageInternalError   = "Internal server error"
	MessageRequestTooLarge = "Request too large"
)

// PublicError is an error whose Message may be sent to clients as is.
type PublicError struct {
	Message string
	Err     error
}

func (e *PublicError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *PublicError) Unwrap() error { return e.Err }

// Public marks err as reportable to clients with message.
func Public(err error, message string) error {
	return &PublicError{Message: message, Err: err}
}

// Publicf returns a PublicError whose message is the formatted text.
func Publicf(format string, args ...any) error {
	return &PublicError{Message: fmt.Sprintf(format, args...)}
}

// clientMessage picks the message an error response carries. The
// second result reports whether err was internal.
func clientMessage(err error, exposeInternal bool) (string, bool) {
	var public *PublicError
	if errors.As(err, &public) {
		return public.Message, false
	}
	if exposeInternal {
		return err.Error(), true
	}
	return MessageInternalError, true
}

// encodeSuccess merges result, which must marshal to a JSON object or
// be nil, with {"status":"success"}.
func encodeSuccess(result any) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshaling result: %w", err)
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("result is not a JSON object: %w", err)
		}
		if fields == nil {
			fields = make(map[string]json.RawMessage)
		}
	}
	fields["status"] = json.RawMessage(`"` + StatusSuccess + `"`)
	return json.Marshal(fields)
}

func encodeError(message string) []byte {
	data, err := json.Marshal(struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}{StatusError, message})
	if err != nil {
		// Marshaling two strings cannot fail.
		panic(err)
	}
	return data
}
