// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds access tokens and passwords in memory that is
// allocated outside the Go heap, locked against swap, excluded from
// core dumps, and zeroed on Close.
//
// The session manager keeps the current access credential in a
// [Buffer]; replacing or clearing the credential closes the previous
// buffer. The CLI reads passwords through [ReadFromPath].
package secret
