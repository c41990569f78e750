// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gobwas/ws"

	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/realtime"
)

// STOMP header names.
const (
	headerAcceptVersion = "accept-version"
	headerHost          = "host"
	headerHeartBeat     = "heart-beat"
	headerAuthorization = "Authorization"
	headerDestination   = "destination"
	headerID            = "id"
	headerAck           = "ack"
	headerContentType   = "content-type"
	headerContentLength = "content-length"
	headerMessage       = "message"
)

// Subprotocols offered on the handshake, most preferred first.
var subprotocols = []string{"v12.stomp", "v11.stomp"}

// Defaults.
const (
	DefaultHeartBeat      = 10 * time.Second
	DefaultConnectTimeout = 15 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultFrameBuffer    = 256
)

// Config configures a Transport.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// HeartBeat is the interval offered for heart-beats in both
	// directions. Negative disables heart-beats.
	HeartBeat time.Duration

	// ConnectTimeout bounds the handshake and the CONNECT exchange
	// when the dial context has no earlier deadline.
	ConnectTimeout time.Duration

	WriteTimeout time.Duration

	// FrameBuffer is the capacity of each connection's inbound frame
	// channel.
	FrameBuffer int

	// Clock drives outgoing heart-beats. Default: clock.Real().
	Clock clock.Clock

	Logger *slog.Logger

	// NetDial replaces the TCP dialer, for tests.
	NetDial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Transport dials STOMP-over-WebSocket connections.
type Transport struct {
	endpoint       *url.URL
	heartBeat      time.Duration
	connectTimeout time.Duration
	writeTimeout   time.Duration
	frameBuffer    int
	clock          clock.Clock
	logger         *slog.Logger
	netDial        func(ctx context.Context, network, address string) (net.Conn, error)
}

var _ realtime.Transport = (*Transport)(nil)

// New validates config and returns a Transport.
func New(config Config) (*Transport, error) {
	endpoint, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: parsing URL: %w", err)
	}
	if endpoint.Scheme != "ws" && endpoint.Scheme != "wss" {
		return nil, fmt.Errorf("transport: URL scheme must be ws or wss, got %q", endpoint.Scheme)
	}
	if endpoint.Host == "" {
		return nil, fmt.Errorf("transport: URL %q has no host", config.URL)
	}
	if config.HeartBeat == 0 {
		config.HeartBeat = DefaultHeartBeat
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.FrameBuffer <= 0 {
		config.FrameBuffer = DefaultFrameBuffer
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Transport{
		endpoint:       endpoint,
		heartBeat:      max(config.HeartBeat, 0),
		connectTimeout: config.ConnectTimeout,
		writeTimeout:   config.WriteTimeout,
		frameBuffer:    config.FrameBuffer,
		clock:          config.Clock,
		logger:         config.Logger,
		netDial:        config.NetDial,
	}, nil
}

// Dial opens the WebSocket, sends CONNECT, and waits for CONNECTED.
func (t *Transport) Dial(ctx context.Context, token string) (realtime.Conn, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.connectTimeout)
		defer cancel()
	}

	endpoint := *t.endpoint
	query := endpoint.Query()
	query.Set("token", token)
	endpoint.RawQuery = query.Encode()

	rejectedStatus := 0
	dialer := ws.Dialer{
		Protocols: subprotocols,
		Header: ws.HandshakeHeaderHTTP(http.Header{
			headerAuthorization: []string{"Bearer " + token},
		}),
		OnStatusError: func(status int, reason []byte, body io.Reader) {
			rejectedStatus = status
		},
		NetDial: t.netDial,
	}
	raw, buffered, _, err := dialer.Dial(ctx, endpoint.String())
	if err != nil {
		if rejectedStatus == http.StatusUnauthorized || rejectedStatus == http.StatusForbidden {
			return nil, fmt.Errorf("transport: handshake status %d: %w", rejectedStatus, realtime.ErrUnauthorized)
		}
		return nil, fmt.Errorf("transport: dialing %s: %w", t.endpoint.Redacted(), err)
	}

	var source io.Reader = raw
	if buffered != nil {
		source = io.MultiReader(buffered, raw)
	}
	sock := &socket{raw: raw, writeTimeout: t.writeTimeout}
	reader := frame.NewReader(newMessageStream(sock, source))

	outgoing, incoming, err := t.handshake(ctx, sock, reader, token)
	if err != nil {
		sock.writeClose()
		raw.Close()
		return nil, err
	}

	conn := newConn(sock, reader, t.frameBuffer, t.logger)
	conn.start(t.clock, outgoing, incoming)
	t.logger.Debug("stomp connected",
		"endpoint", t.endpoint.Redacted(),
		"heartbeat_out", outgoing,
		"heartbeat_in", incoming,
	)
	return conn, nil
}

// handshake sends CONNECT and reads the reply. It returns the
// negotiated outgoing and incoming heart-beat intervals.
func (t *Transport) handshake(ctx context.Context, sock *socket, reader *frame.Reader, token string) (time.Duration, time.Duration, error) {
	offer := durationMillis(t.heartBeat)
	connect := frame.New(frame.CONNECT,
		headerAcceptVersion, "1.2,1.1",
		headerHost, t.endpoint.Hostname(),
		headerHeartBeat, offer+","+offer,
		headerAuthorization, "Bearer "+token,
	)
	if err := writeFrame(sock, connect); err != nil {
		return 0, 0, fmt.Errorf("transport: sending CONNECT: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		sock.raw.SetReadDeadline(deadline)
		defer sock.raw.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { sock.raw.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		reply, err := reader.Read()
		if err != nil {
			if ctx.Err() != nil {
				return 0, 0, fmt.Errorf("transport: waiting for CONNECTED: %w", ctx.Err())
			}
			return 0, 0, fmt.Errorf("transport: waiting for CONNECTED: %w", err)
		}
		if reply == nil {
			continue
		}
		switch reply.Command {
		case frame.CONNECTED:
			serverSend, serverReceive, err := parseHeartBeat(reply.Header.Get(headerHeartBeat))
			if err != nil {
				return 0, 0, fmt.Errorf("transport: CONNECTED: %w", err)
			}
			return negotiate(t.heartBeat, serverReceive), negotiate(t.heartBeat, serverSend), nil
		case frame.ERROR:
			return 0, 0, errorFrame(reply)
		default:
			return 0, 0, fmt.Errorf("transport: unexpected %s frame before CONNECTED", reply.Command)
		}
	}
}

// writeFrame encodes f and sends it as one text message.
func writeFrame(sock *socket, f *frame.Frame) error {
	var buffer bytes.Buffer
	if err := frame.NewWriter(&buffer).Write(f); err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Command, err)
	}
	return sock.writeText(buffer.Bytes())
}

// errorFrame converts an ERROR frame to an error. Authentication
// failures wrap realtime.ErrUnauthorized.
func errorFrame(f *frame.Frame) error {
	message := f.Header.Get(headerMessage)
	detail := strings.TrimSpace(string(f.Body))
	if message == "" {
		message = detail
	}
	if message == "" {
		message = "no message"
	}
	if isAuthenticationFailure(message + " " + detail) {
		return fmt.Errorf("transport: server error %q: %w", message, realtime.ErrUnauthorized)
	}
	return fmt.Errorf("transport: server error %q", message)
}

var authenticationMarkers = []string{
	"unauthorized", "unauthenticated", "authentication", "forbidden",
	"access denied", "invalid token", "expired", "jwt", "401", "403",
}

func isAuthenticationFailure(text string) bool {
	lowered := strings.ToLower(text)
	for _, marker := range authenticationMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// parseHeartBeat parses a "cx,cy" heart-beat header in milliseconds.
// An absent header means no heart-beats.
func parseHeartBeat(value string) (time.Duration, time.Duration, error) {
	if value == "" {
		return 0, 0, nil
	}
	sendText, receiveText, found := strings.Cut(value, ",")
	if !found {
		return 0, 0, fmt.Errorf("malformed heart-beat header %q", value)
	}
	send, err := strconv.ParseUint(strings.TrimSpace(sendText), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed heart-beat header %q: %w", value, err)
	}
	receive, err := strconv.ParseUint(strings.TrimSpace(receiveText), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed heart-beat header %q: %w", value, err)
	}
	return time.Duration(send) * time.Millisecond, time.Duration(receive) * time.Millisecond, nil
}

// negotiate applies the STOMP rule: zero on either side disables the
// direction, otherwise the larger interval wins.
func negotiate(ours, theirs time.Duration) time.Duration {
	if ours <= 0 || theirs <= 0 {
		return 0
	}
	return max(ours, theirs)
}

func durationMillis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// isClosed reports whether err is the result of the connection being
// closed locally.
func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
