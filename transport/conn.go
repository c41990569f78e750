// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"

	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/netutil"
	"github.com/bureau-foundation/chatsync/realtime"
)

var errConnClosed = errors.New("transport: connection closed")

// conn is one established STOMP session.
type conn struct {
	socket *socket
	reader *frame.Reader
	logger *slog.Logger

	frames chan realtime.Frame
	done   chan struct{}

	mu            sync.Mutex
	subscriptions map[string]string // topic → subscription id
	closing       bool
	err           error
	closeOnce     sync.Once
}

var _ realtime.Conn = (*conn)(nil)

func newConn(sock *socket, reader *frame.Reader, buffer int, logger *slog.Logger) *conn {
	return &conn{
		socket:        sock,
		reader:        reader,
		logger:        logger,
		frames:        make(chan realtime.Frame, buffer),
		done:          make(chan struct{}),
		subscriptions: make(map[string]string),
	}
}

func (c *conn) start(clk clock.Clock, outgoing, incoming time.Duration) {
	go c.readLoop(incoming)
	if outgoing > 0 {
		go c.heartBeatLoop(clk, outgoing)
	}
}

func (c *conn) Subscribe(topic string) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return errConnClosed
	}
	if _, ok := c.subscriptions[topic]; ok {
		c.mu.Unlock()
		return nil
	}
	id := uuid.NewString()
	c.subscriptions[topic] = id
	c.mu.Unlock()

	subscribe := frame.New(frame.SUBSCRIBE,
		headerID, id,
		headerDestination, topic,
		headerAck, "auto",
	)
	if err := writeFrame(c.socket, subscribe); err != nil {
		return fmt.Errorf("transport: subscribing to %s: %w", topic, err)
	}
	return nil
}

func (c *conn) Unsubscribe(topic string) error {
	c.mu.Lock()
	id, ok := c.subscriptions[topic]
	delete(c.subscriptions, topic)
	closing := c.closing
	c.mu.Unlock()
	if !ok || closing {
		return nil
	}

	if err := writeFrame(c.socket, frame.New(frame.UNSUBSCRIBE, headerID, id)); err != nil {
		return fmt.Errorf("transport: unsubscribing from %s: %w", topic, err)
	}
	return nil
}

func (c *conn) Publish(destination string, body []byte) error {
	if c.isClosing() {
		return errConnClosed
	}
	send := frame.New(frame.SEND,
		headerDestination, destination,
		headerContentType, "application/json",
		headerContentLength, strconv.Itoa(len(body)),
	)
	send.Body = body
	if err := writeFrame(c.socket, send); err != nil {
		return fmt.Errorf("transport: sending to %s: %w", destination, err)
	}
	return nil
}

func (c *conn) Frames() <-chan realtime.Frame { return c.frames }

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends DISCONNECT and a close frame, then closes the socket.
// Frames is closed once the read loop notices.
func (c *conn) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		close(c.done)

		writeFrame(c.socket, frame.New(frame.DISCONNECT))
		c.socket.writeClose()
		if err := c.socket.raw.Close(); err != nil && !netutil.IsExpectedCloseError(err) {
			closeErr = err
		}
	})
	return closeErr
}

func (c *conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// readLoop forwards MESSAGE frames until the connection ends, then
// records why and closes Frames.
func (c *conn) readLoop(incoming time.Duration) {
	err := c.read(incoming)

	c.mu.Lock()
	if c.closing {
		err = nil
	}
	c.err = err
	c.mu.Unlock()

	if err != nil {
		if netutil.IsExpectedCloseError(err) {
			c.logger.Info("stomp connection closed by server", "error", err)
		} else {
			c.logger.Warn("stomp connection failed", "error", err)
		}
		c.socket.raw.Close()
	}
	close(c.frames)
}

func (c *conn) read(incoming time.Duration) error {
	for {
		if incoming > 0 {
			c.socket.raw.SetReadDeadline(time.Now().Add(2 * incoming))
		}
		received, err := c.reader.Read()
		if err != nil {
			return err
		}
		if received == nil {
			continue
		}

		switch received.Command {
		case frame.MESSAGE:
			destination := received.Header.Get(headerDestination)
			if destination == "" {
				c.logger.Warn("stomp MESSAGE without destination")
				continue
			}
			select {
			case c.frames <- realtime.Frame{Topic: destination, Body: received.Body}:
			case <-c.done:
				return nil
			}
		case frame.ERROR:
			return errorFrame(received)
		case frame.RECEIPT:
		default:
			c.logger.Debug("ignoring stomp frame", "command", received.Command)
		}
	}
}

// heartBeatLoop sends an EOL at the negotiated interval until the
// connection closes.
func (c *conn) heartBeatLoop(clk clock.Clock, interval time.Duration) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.socket.writeText([]byte{'\n'}); err != nil {
				if !c.isClosing() && !isClosed(err) {
					c.logger.Debug("stomp heart-beat failed", "error", err)
				}
				return
			}
		case <-c.done:
			return
		}
	}
}
