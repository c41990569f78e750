// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every timer in chatsync: typing
// indicator expiry, reconnect backoff, and transport heart-beats.
//
// Components take a Clock in their Config. Real() forwards to the time
// package. Fake() returns a clock that only moves when the test calls
// Advance, firing due AfterFunc callbacks synchronously in deadline
// order:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	tracker := presence.New(presence.Config{Clock: fake})
//	tracker.SetTyping("c1", "bob", true)
//	fake.Advance(5 * time.Second) // bob's entry expires here
//
// When the timer is registered by another goroutine (the reconnect
// loop, a transport heart-beat), call WaitForTimers before Advance so
// the registration cannot race with the advance.
package clock
