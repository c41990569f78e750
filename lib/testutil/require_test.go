// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type recordingTB struct {
	failed  bool
	message string
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Fatalf(format string, args ...any) {
	r.failed = true
	r.message = fmt.Sprintf(format, args...)
	// Fatalf must not return in a real test; unwind the helper instead.
	panic(r)
}

func expectFatal(t *testing.T, run func(tb TB)) *recordingTB {
	t.Helper()
	recorder := &recordingTB{}
	func() {
		defer func() {
			if recovered := recover(); recovered != nil && recovered != recorder {
				panic(recovered)
			}
		}()
		run(recorder)
	}()
	if !recorder.failed {
		t.Fatal("helper did not fail")
	}
	return recorder
}

func TestRequireReceive(t *testing.T) {
	channel := make(chan int, 1)
	channel <- 7
	if got := RequireReceive(t, channel, time.Second); got != 7 {
		t.Fatalf("got %d, want 7", got)
	}

	recorder := expectFatal(t, func(tb TB) {
		RequireReceive(tb, make(chan int), 10*time.Millisecond, "waiting for %s", "frame")
	})
	if !strings.Contains(recorder.message, "waiting for frame") {
		t.Fatalf("message = %q", recorder.message)
	}

	closed := make(chan int)
	close(closed)
	recorder = expectFatal(t, func(tb TB) { RequireReceive(tb, closed, time.Second) })
	if !strings.Contains(recorder.message, "channel closed") {
		t.Fatalf("message = %q", recorder.message)
	}
}

func TestRequireClosed(t *testing.T) {
	done := make(chan struct{})
	close(done)
	RequireClosed(t, done, time.Second)

	expectFatal(t, func(tb TB) { RequireClosed(tb, make(chan struct{}), 10*time.Millisecond) })
}

func TestEventually(t *testing.T) {
	var counter atomic.Int32
	go func() {
		for range 5 {
			counter.Add(1)
		}
	}()
	Eventually(t, time.Second, func() bool { return counter.Load() == 5 })

	expectFatal(t, func(tb TB) { Eventually(tb, 10*time.Millisecond, func() bool { return false }) })
}

func TestLogger(t *testing.T) {
	logger, buffer := Logger()
	logger.Debug("frame dropped", "topic", "/user/queue/unread")
	if !buffer.Contains("frame dropped") || !buffer.Contains("topic=/user/queue/unread") {
		t.Fatalf("log output = %q", buffer.String())
	}
}
