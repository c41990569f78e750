// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package realtime

import (
	"context"
	"errors"
)

var (
	// ErrUnauthenticated is returned by Connect when there is no
	// credential to authenticate the connection with.
	ErrUnauthenticated = errors.New("realtime: unauthenticated")

	// ErrUnauthorized is returned by Transport.Dial when the server
	// rejected the credential.
	ErrUnauthorized = errors.New("realtime: credential rejected")

	// ErrNotConnected is returned by Publish outside the Connected
	// state. Nothing is queued.
	ErrNotConnected = errors.New("realtime: not connected")
)

// State is the lifecycle state of a Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Failed is terminal until the next Connect: reconnect attempts
	// were exhausted.
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Frame is one inbound message.
type Frame struct {
	Topic string
	Body  []byte
}

// Handler receives the frames of one topic.
type Handler func(Frame)

// Transport opens authenticated connections.
type Transport interface {
	// Dial connects and authenticates with token. A rejected
	// credential is reported as an error wrapping ErrUnauthorized.
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn is one established connection. Subscribe, Unsubscribe, Publish
// and Close may be called from any goroutine.
type Conn interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Publish(destination string, body []byte) error

	// Frames delivers inbound frames in arrival order. It is closed
	// when the connection ends, after which Err reports why.
	Frames() <-chan Frame

	// Err is nil until Frames is closed, and nil after a local Close.
	Err() error

	Close() error
}

// CredentialSource supplies the token a connection authenticates
// with. session.Manager implements it.
type CredentialSource interface {
	// EnsureFresh returns the current credential, refreshing it
	// first if it is about to expire.
	EnsureFresh(ctx context.Context) (string, error)

	// Refresh obtains a new credential unconditionally.
	Refresh(ctx context.Context) (string, error)
}
