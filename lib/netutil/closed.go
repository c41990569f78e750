// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// IsExpectedCloseError reports whether err is an ordinary end of a
// socket: EOF, a locally closed connection, a broken pipe, a reset, or
// a WebSocket close frame with a normal or going-away status.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return closed.Code == ws.StatusNormalClosure ||
			closed.Code == ws.StatusGoingAway ||
			closed.Code == ws.StatusNoStatusRcvd
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
