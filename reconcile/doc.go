// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package reconcile keeps the client's view of conversations and
// their messages consistent as request results and realtime events
// arrive independently.
//
// A [Store] holds a conversation summary list, ordered by most recent
// activity, and one message log per conversation, ordered by creation
// time. Logs are filled by paged fetches (which the server returns
// newest first) and extended by realtime events. Every Apply method is
// idempotent and reports whether it changed anything:
//
//   - a new message already in the log is ignored;
//   - an edit, delete, or reaction change for a message not in the log
//     is discarded, since the next page fetch will carry its current
//     state;
//   - an unread count or membership change for a conversation not in
//     the summary list triggers a background refetch of the list
//     instead of inventing an entry.
//
// Apply methods are called from the realtime dispatch goroutine and
// never block on the network. Requests they start (marking the active
// conversation read, refetching the list) run on their own goroutines
// and log failures. Results of background work started before a
// [Store.Reset] are discarded.
//
// Observers registered with [Store.Subscribe] are called after each
// mutation, outside the Store's lock, with a [Change] naming what
// moved. They read the new state through the query methods.
package reconcile
