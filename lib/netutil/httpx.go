// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds HTTP and socket helpers shared by the request
// client and the realtime transport.
//
// Response helpers bound body reads at MaxResponseSize so a
// misbehaving server cannot exhaust memory. IsExpectedCloseError
// separates ordinary socket teardown from failures worth logging.
package netutil

import (
	"io"
	"unicode/utf8"
)

// MaxResponseSize bounds JSON API response reads. A page of chat
// messages is a few hundred kilobytes at most.
const MaxResponseSize int64 = 32 << 20

// maxErrorSnippet bounds how much of an unparseable error body is
// quoted in an error message.
const maxErrorSnippet = 512

// ReadResponse reads a response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// ErrorSnippet returns a printable prefix of a response body for error
// messages about responses that did not parse.
func ErrorSnippet(body []byte) string {
	if len(body) <= maxErrorSnippet {
		return string(body)
	}
	cut := maxErrorSnippet
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut]) + "..."
}
