// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/gorilla/websocket"
)

// expectedCloseCodes are the WebSocket close codes a relay peer sends
// when it shuts down on purpose, or that gorilla reports when the
// close frame carried no status.
var expectedCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// IsExpectedCloseError reports whether err ended a relay connection
// in the ordinary way, so read loops can log it at debug level rather
// than as a failure.
func IsExpectedCloseError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return true
	case websocket.IsCloseError(err, expectedCloseCodes...):
		return true
	}
	var errno syscall.Errno
	return errors.As(err, &errno) && (errno == syscall.EPIPE || errno == syscall.ECONNRESET)
}
