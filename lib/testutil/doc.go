// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds test helpers shared by chatsync packages.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests waiting on a goroutine never hang. [Eventually]
// polls a condition for state that is reached asynchronously, such as
// a reconnect completing on a real socket. [Logger] returns a slog
// logger whose output is captured for assertions.
//
// These are the only helpers in the test suite that use wall-clock
// timeouts; component timing itself runs on lib/clock.Fake.
package testutil
