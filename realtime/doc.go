// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package realtime owns the single push connection to the chat
// server: its lifecycle, its reconnection policy, and the registry of
// topics the client wants delivered.
//
// A [Manager] moves between four states:
//
//	Disconnected ──Connect──▶ Connecting ──dial ok──▶ Connected
//	      ▲                      │   ▲                    │
//	      │                      │   └──backoff timer─────┤ transport error
//	      └───────Disconnect─────┴────────────────────────┘
//	                             │
//	                             └──attempts exhausted──▶ Failed
//
// The registry maps each topic to its latest handler and outlives
// individual connections. Each time a connection is established,
// every registered topic is subscribed on it before its first
// inbound frame is dispatched, so callers subscribe once and never
// re-subscribe after a reconnect. Disconnect releases the connection
// but keeps the registry; the next Connect restores every topic.
//
// Each connection has one dispatch goroutine. Handlers run on it one
// at a time, in the order the transport delivered frames. A handler
// must not block on the network; long work belongs on its own
// goroutine. Frames whose payload is not JSON, frames for topics no
// longer registered, and handler panics are logged and dropped
// without affecting other frames.
//
// The wire protocol lives behind [Transport] and [Conn]; see package
// transport for the STOMP implementation.
package realtime
