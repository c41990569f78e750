// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// LogBuffer collects log output from a [Logger].
type LogBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(p)
}

// String returns everything logged so far.
func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}

// Contains reports whether any log line contains substring.
func (b *LogBuffer) Contains(substring string) bool {
	return strings.Contains(b.String(), substring)
}

// Logger returns a debug-level text logger writing into a LogBuffer.
func Logger() (*slog.Logger, *LogBuffer) {
	buffer := &LogBuffer{}
	handler := slog.NewTextHandler(buffer, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), buffer
}
