// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// socket is the client side of a WebSocket. Writes are serialized and
// each message is sent with a single Write, so replies to control
// frames never interleave with data messages.
type socket struct {
	raw          net.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func (s *socket) writeMessage(op ws.OpCode, payload []byte) error {
	encoded, err := ws.CompileFrame(ws.MaskFrameInPlace(ws.NewFrame(op, true, payload)))
	if err != nil {
		return fmt.Errorf("encoding websocket frame: %w", err)
	}
	return s.write(encoded)
}

func (s *socket) write(encoded []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		s.raw.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		defer s.raw.SetWriteDeadline(time.Time{})
	}
	_, err := s.raw.Write(encoded)
	return err
}

func (s *socket) writeText(payload []byte) error {
	return s.writeMessage(ws.OpText, payload)
}

// writeClose sends a normal-closure close frame.
func (s *socket) writeClose() error {
	return s.writeMessage(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
}

// messageStream presents the payloads of successive inbound data
// messages as one byte stream. Control frames are answered as they
// arrive; a close frame ends the stream with wsutil.ClosedError.
type messageStream struct {
	socket    *socket
	reader    *wsutil.Reader
	control   wsutil.FrameHandlerFunc
	replies   bytes.Buffer
	inMessage bool
}

func newMessageStream(s *socket, source io.Reader) *messageStream {
	stream := &messageStream{socket: s}
	stream.control = wsutil.ControlFrameHandler(&stream.replies, ws.StateClientSide)
	stream.reader = &wsutil.Reader{
		Source:         source,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: stream.handleControl,
	}
	return stream
}

// handleControl answers one control frame. The reply is buffered and
// written as a whole so it cannot split a data message.
func (m *messageStream) handleControl(header ws.Header, payload io.Reader) error {
	err := m.control(header, payload)
	if m.replies.Len() > 0 {
		reply := bytes.Clone(m.replies.Bytes())
		m.replies.Reset()
		if writeErr := m.socket.write(reply); writeErr != nil && err == nil {
			err = writeErr
		}
	}
	return err
}

func (m *messageStream) Read(p []byte) (int, error) {
	for {
		if m.inMessage {
			n, err := m.reader.Read(p)
			if err == io.EOF {
				m.inMessage = false
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}

		header, err := m.reader.NextFrame()
		if err != nil {
			return 0, err
		}
		if header.OpCode.IsControl() {
			if err := m.handleControl(header, m.reader); err != nil {
				return 0, err
			}
			continue
		}
		m.inMessage = true
	}
}
