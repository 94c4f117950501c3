// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"

	"github.com/gorilla/websocket"
)

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("reading frame: %w", io.EOF), true},
		{"closed", net.ErrClosed, true},
		{"broken pipe", syscall.EPIPE, true},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"normal close frame", &websocket.CloseError{Code: websocket.CloseNormalClosure}, true},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, true},
		{"no status", &websocket.CloseError{Code: websocket.CloseNoStatusReceived}, true},
		{"truncated frame", fmt.Errorf("reading: %w", io.ErrUnexpectedEOF), true},
		{"protocol error", &websocket.CloseError{Code: websocket.CloseProtocolError}, false},
		{"other", errors.New("boom"), false},
	}
	for _, test := range tests {
		if got := IsExpectedCloseError(test.err); got != test.want {
			t.Errorf("%s: IsExpectedCloseError = %v, want %v", test.name, got, test.want)
		}
	}
}

func TestErrorBody(t *testing.T) {
	if got := ErrorBody(bytes.NewReader([]byte("forbidden"))); got != "forbidden" {
		t.Errorf("ErrorBody = %q", got)
	}
	if got := ErrorBody(nil); got != "" {
		t.Errorf("ErrorBody(nil) = %q", got)
	}
	huge := strings.Repeat("x", int(MaxErrorBodySize)+100)
	if got := ErrorBody(strings.NewReader(huge)); int64(len(got)) != MaxErrorBodySize {
		t.Errorf("ErrorBody read %d bytes, want %d", len(got), MaxErrorBodySize)
	}
}
