// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides network I/O helpers shared by the relay
// client and server.
//
// Connection error helpers (IsExpectedCloseError) classify errors that
// occur during normal connection teardown. ErrorBody extracts the body
// of a failed HTTP exchange, such as a rejected WebSocket upgrade, for
// diagnostic messages with a bounded read.
package netutil

import (
	"io"
)

// MaxErrorBodySize bounds ErrorBody reads. Error bodies are diagnostic
// text; anything longer is truncated.
const MaxErrorBodySize int64 = 64 << 10

// ErrorBody reads an HTTP error response body and returns it as a string
// for diagnostic error messages. Read errors are silently ignored; a
// partial or empty body is still useful in an error message. A nil body
// yields "".
func ErrorBody(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, _ := io.ReadAll(io.LimitReader(body, MaxErrorBodySize))
	return string(data)
}
