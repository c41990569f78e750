// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns the access credential and recovers requests
// that fail because it expired.
//
// [Manager] holds at most one credential, in protected memory. The
// request layer is [Transport], an http.RoundTripper that attaches the
// credential and, when the server answers 401, asks the Manager to
// refresh and replays the original request exactly once.
//
// Refreshes are single-flight: any number of concurrent 401s, and the
// realtime connection's own pre-dial refresh, share one call to the
// [Refresher]. A 401 on the refresh call itself is terminal; the
// refresh request is marked with [WithoutRefresh] so it can never
// trigger another refresh.
//
// When a refresh fails the credential is cleared and every observer
// registered with [Manager.OnExpired] is told exactly once. Later
// failures while already signed out do not signal again.
package session
