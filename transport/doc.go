// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport implements realtime.Transport as STOMP 1.2 over a
// WebSocket.
//
// Each WebSocket text message from the client carries exactly one
// STOMP frame, encoded with the go-stomp frame codec. Inbound messages
// are treated as a byte stream and parsed frame by frame, so a server
// that packs several frames into one message, or splits one across
// messages, is handled the same way.
//
// [Transport.Dial] authenticates twice over: the access token travels
// as a "token" query parameter on the WebSocket handshake (browsers
// cannot set headers on that request) and as an Authorization header
// on the STOMP CONNECT frame. A handshake answered with 401 or 403,
// or an ERROR frame in reply to CONNECT that names an authentication
// problem, is reported as [realtime.ErrUnauthorized].
//
// Heart-beats are negotiated per STOMP 1.2. Outgoing heart-beats run
// on a [clock.Clock] ticker; incoming silence longer than twice the
// server's interval ends the connection.
//
// Each topic subscribed on a connection gets a fresh subscription id.
// MESSAGE frames are forwarded by destination; ERROR frames end the
// connection with the server's message as the error.
package transport
