// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chatsync is the client-side synchronization layer of a chat
// application. An [Engine] signs a user in, keeps one realtime
// connection open, and reconciles what arrives over it with what the
// request API returns, so a user interface can render from local
// state alone.
//
// The Engine owns its components and exposes them for reading:
//
//   - [session.Manager] holds the access credential and refreshes it;
//   - [messaging.Client] makes API calls through the session;
//   - [realtime.Manager] keeps the STOMP connection and its
//     subscriptions alive across reconnects;
//   - [reconcile.Store] holds conversations and message logs;
//   - [presence.Tracker] holds typing indicators and read receipts.
//
// When the session expires the Engine disconnects, drops every
// subscription, and empties the store and tracker.
package chatsync
