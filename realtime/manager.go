// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/chatsync/events"
	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/lib/netutil"
)

// Reconnect defaults.
const (
	DefaultReconnectDelay    = 2 * time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
	DefaultMaxAttempts       = 5
)

// Config configures a Manager.
type Config struct {
	Transport   Transport
	Credentials CredentialSource

	// Clock schedules reconnect timers. Default: clock.Real().
	Clock clock.Clock

	// ReconnectDelay is the first backoff delay; each further failure
	// doubles it up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// MaxAttempts is how many reconnects follow a failed dial or a
	// lost connection. The Manager enters Failed when the last of them
	// fails, that is after MaxAttempts+1 consecutive failures counting
	// the one that started the cycle.
	MaxAttempts int

	// Jitter spreads each delay uniformly by ±Jitter of its value.
	// Zero disables it.
	Jitter float64

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type registration struct {
	id      uint64
	handler Handler
}

type statusObserver struct {
	id uint64
	fn func(State)
}

// Manager owns the realtime connection and the subscription registry.
type Manager struct {
	transport    Transport
	credentials  CredentialSource
	clock        clock.Clock
	initialDelay time.Duration
	maxDelay     time.Duration
	maxAttempts  int
	jitter       float64
	logger       *slog.Logger
	metrics      *metrics.Metrics

	// subscriptionWrites serializes registry changes with the
	// SUBSCRIBE and UNSUBSCRIBE writes they cause, so the server sees
	// them in registry order. It is taken before mu, and no socket
	// write happens while mu is held.
	subscriptionWrites sync.Mutex

	mu sync.Mutex
	// generation increases on every Connect and Disconnect. Dial
	// results, timers and dispatch loops carry the generation they
	// were started under and do nothing once it is stale.
	generation     uint64
	state          State
	cancelLifetime context.CancelFunc
	conn           Conn
	failures       int
	retry          *clock.Timer
	registry       map[string]registration
	nextID         uint64

	observers      []statusObserver
	pendingStatus  []State
	flushingStatus bool
}

// NewManager creates a disconnected Manager with an empty registry.
func NewManager(config Config) *Manager {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	if config.MaxReconnectDelay < config.ReconnectDelay {
		config.MaxReconnectDelay = max(DefaultMaxReconnectDelay, config.ReconnectDelay)
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	return &Manager{
		transport:    config.Transport,
		credentials:  config.Credentials,
		clock:        config.Clock,
		initialDelay: config.ReconnectDelay,
		maxDelay:     config.MaxReconnectDelay,
		maxAttempts:  config.MaxAttempts,
		jitter:       min(max(config.Jitter, 0), 0.9),
		logger:       config.Logger,
		metrics:      config.Metrics,
		registry:     make(map[string]registration),
	}
}

// Connect starts connecting and returns once the attempt is under
// way; progress is reported through OnStatus. It fails with
// ErrUnauthenticated, without dialing, when no credential is held.
// Connect is a no-op while Connecting or Connected.
func (m *Manager) Connect(ctx context.Context) error {
	if m.busy() {
		return nil
	}

	token, err := m.credentials.EnsureFresh(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if token == "" {
		return ErrUnauthenticated
	}

	m.mu.Lock()
	if m.state == Connecting || m.state == Connected {
		m.mu.Unlock()
		return nil
	}
	m.generation++
	generation := m.generation
	lifetime, cancel := context.WithCancel(context.Background())
	m.cancelLifetime = cancel
	m.failures = 0
	m.setStateLocked(Connecting)
	m.mu.Unlock()
	m.flushStatus()

	go m.dial(lifetime, generation, token)
	return nil
}

func (m *Manager) busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Connecting || m.state == Connected
}

// dial opens a connection and, on success, restores every registered
// topic on it before its dispatch loop starts.
func (m *Manager) dial(ctx context.Context, generation uint64, token string) {
	conn, err := m.transport.Dial(ctx, token)
	if err != nil {
		m.connectionFailed(ctx, generation, err)
		return
	}

	m.subscriptionWrites.Lock()
	m.mu.Lock()
	current := generation == m.generation
	topics := m.topicsLocked()
	m.mu.Unlock()
	if !current {
		m.subscriptionWrites.Unlock()
		conn.Close()
		return
	}

	for _, topic := range topics {
		if err := conn.Subscribe(topic); err != nil {
			m.subscriptionWrites.Unlock()
			conn.Close()
			m.connectionFailed(ctx, generation, fmt.Errorf("restoring subscription %s: %w", topic, err))
			return
		}
	}

	m.mu.Lock()
	current = generation == m.generation
	if current {
		m.conn = conn
		m.failures = 0
		m.setStateLocked(Connected)
	}
	m.mu.Unlock()
	m.subscriptionWrites.Unlock()
	if !current {
		conn.Close()
		return
	}

	m.logger.Info("realtime connected", "topics", len(topics))
	go m.dispatch(ctx, generation, conn)
	m.flushStatus()
}

// connectionFailed handles a failed dial or a lost connection. A
// rejected credential is refreshed once before the retry is
// scheduled; a failed refresh ends the session and stops retrying.
func (m *Manager) connectionFailed(ctx context.Context, generation uint64, err error) {
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, ErrUnauthorized) {
		m.logger.Warn("realtime credential rejected, refreshing before retry", "error", err)
		if _, refreshErr := m.credentials.Refresh(ctx); refreshErr != nil {
			m.logger.Warn("realtime reconnect abandoned: credential refresh failed", "error", refreshErr)
			m.stop(generation, Disconnected)
			return
		}
	} else {
		m.logger.Warn("realtime connection failed", "error", err)
	}
	m.scheduleRetry(ctx, generation)
}

func (m *Manager) scheduleRetry(ctx context.Context, generation uint64) {
	m.mu.Lock()
	if generation != m.generation {
		m.mu.Unlock()
		return
	}
	m.failures++
	attempt := m.failures
	if attempt > m.maxAttempts {
		m.releaseLocked()
		m.setStateLocked(Failed)
		m.mu.Unlock()
		m.logger.Error("realtime reconnect attempts exhausted", "attempts", m.maxAttempts)
		m.flushStatus()
		return
	}
	delay := m.backoff(attempt)
	m.setStateLocked(Connecting)
	m.retry = m.clock.AfterFunc(delay, func() { m.redial(ctx, generation) })
	m.mu.Unlock()

	m.metrics.ReconnectAttempt()
	m.logger.Info("realtime reconnect scheduled", "attempt", attempt, "delay", delay)
	m.flushStatus()
}

func (m *Manager) redial(ctx context.Context, generation uint64) {
	if ctx.Err() != nil {
		return
	}
	token, err := m.credentials.EnsureFresh(ctx)
	if err != nil {
		m.logger.Warn("realtime reconnect abandoned: no credential", "error", err)
		m.stop(generation, Disconnected)
		return
	}
	m.dial(ctx, generation, token)
}

// backoff returns the delay before reconnect attempt n (1-based).
func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.initialDelay
	for range attempt - 1 {
		if delay >= m.maxDelay {
			break
		}
		delay *= 2
	}
	delay = min(delay, m.maxDelay)
	if m.jitter > 0 {
		spread := m.jitter * (2*rand.Float64() - 1)
		delay = time.Duration(float64(delay) * (1 + spread))
	}
	return max(delay, time.Millisecond)
}

// stop ends the lifecycle started under generation, if it is still
// current.
func (m *Manager) stop(generation uint64, state State) {
	m.mu.Lock()
	if generation != m.generation {
		m.mu.Unlock()
		return
	}
	conn := m.releaseLocked()
	m.setStateLocked(state)
	m.mu.Unlock()

	closeConn(m.logger, conn)
	m.flushStatus()
}

// releaseLocked cancels the lifecycle and detaches the connection,
// which the caller closes after unlocking.
func (m *Manager) releaseLocked() Conn {
	if m.cancelLifetime != nil {
		m.cancelLifetime()
		m.cancelLifetime = nil
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	conn := m.conn
	m.conn = nil
	return conn
}

func closeConn(logger *slog.Logger, conn Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil && !netutil.IsExpectedCloseError(err) {
		logger.Warn("closing realtime connection", "error", err)
	}
}

// Disconnect closes the connection and cancels any pending reconnect.
// The registry is kept.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.generation++
	conn := m.releaseLocked()
	previous := m.state
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	closeConn(m.logger, conn)
	if previous != Disconnected {
		m.logger.Info("realtime disconnected")
	}
	m.flushStatus()
}

// dispatch delivers the frames of one connection until it ends.
func (m *Manager) dispatch(ctx context.Context, generation uint64, conn Conn) {
	for frame := range conn.Frames() {
		m.deliver(frame)
	}

	m.mu.Lock()
	if generation != m.generation || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	err := conn.Err()
	if err == nil {
		err = errors.New("connection closed by server")
	}
	closeConn(m.logger, conn)
	m.flushStatus()
	m.connectionFailed(ctx, generation, fmt.Errorf("connection lost: %w", err))
}

func (m *Manager) deliver(frame Frame) {
	m.mu.Lock()
	entry, ok := m.registry[frame.Topic]
	m.mu.Unlock()

	if !ok {
		m.metrics.FrameDropped(metrics.DropUnsubscribed)
		m.logger.Debug("dropping frame for unsubscribed topic", "topic", frame.Topic)
		return
	}
	if !json.Valid(frame.Body) {
		m.metrics.FrameDropped(metrics.DropMalformed)
		m.logger.Warn("dropping malformed frame",
			"topic", frame.Topic,
			"error", fmt.Sprintf("invalid JSON: %s", netutil.ErrorSnippet(frame.Body)),
		)
		return
	}
	m.metrics.FrameReceived(events.TopicKind(frame.Topic))
	m.invoke(entry.handler, frame)
}

func (m *Manager) invoke(handler Handler, frame Frame) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.metrics.FrameDropped(metrics.DropHandlerPanic)
			m.logger.Error("realtime handler panicked", "topic", frame.Topic, "panic", recovered)
		}
	}()
	handler(frame)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	manager *Manager
	topic   string
	id      uint64
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe removes the registration if it has not been replaced by
// a later Subscribe to the same topic.
func (s *Subscription) Unsubscribe() {
	s.manager.unsubscribe(s.topic, s.id)
}

// Subscribe registers handler for topic, replacing any previous
// handler. While Connected the topic is subscribed right away;
// otherwise it goes live on the next connection. If the live
// subscribe fails the connection is dropped, and the reconnect
// restores every registered topic.
func (m *Manager) Subscribe(topic string, handler Handler) *Subscription {
	m.subscriptionWrites.Lock()

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	_, existed := m.registry[topic]
	m.registry[topic] = registration{id: id, handler: handler}
	var conn Conn
	if !existed {
		conn = m.conn
	}
	m.mu.Unlock()

	var failed error
	if conn != nil {
		failed = conn.Subscribe(topic)
	}
	m.subscriptionWrites.Unlock()

	if failed != nil {
		m.logger.Warn("realtime subscribe failed, reconnecting", "topic", topic, "error", failed)
		conn.Close()
	}
	return &Subscription{manager: m, topic: topic, id: id}
}

// Unsubscribe removes topic from the registry. Frames already being
// handled are not interrupted. Unknown topics are ignored.
func (m *Manager) Unsubscribe(topic string) {
	m.unsubscribe(topic, 0)
}

func (m *Manager) unsubscribe(topic string, id uint64) {
	m.subscriptionWrites.Lock()
	defer m.subscriptionWrites.Unlock()

	m.mu.Lock()
	entry, ok := m.registry[topic]
	if !ok || (id != 0 && entry.id != id) {
		m.mu.Unlock()
		return
	}
	delete(m.registry, topic)
	conn := m.conn
	m.mu.Unlock()

	m.unsubscribeLive(conn, topic)
}

// UnsubscribeAll empties the registry.
func (m *Manager) UnsubscribeAll() {
	m.subscriptionWrites.Lock()
	defer m.subscriptionWrites.Unlock()

	m.mu.Lock()
	topics := m.topicsLocked()
	clear(m.registry)
	conn := m.conn
	m.mu.Unlock()

	for _, topic := range topics {
		m.unsubscribeLive(conn, topic)
	}
}

// unsubscribeLive tells the server to stop delivering topic. A failure
// is harmless: frames for unregistered topics are dropped on arrival.
func (m *Manager) unsubscribeLive(conn Conn, topic string) {
	if conn == nil {
		return
	}
	if err := conn.Unsubscribe(topic); err != nil {
		m.logger.Debug("realtime unsubscribe failed", "topic", topic, "error", err)
	}
}

// Topics returns the registered topics, sorted.
func (m *Manager) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topicsLocked()
}

func (m *Manager) topicsLocked() []string {
	topics := make([]string, 0, len(m.registry))
	for topic := range m.registry {
		topics = append(topics, topic)
	}
	slices.Sort(topics)
	return topics
}

// Publish sends payload to destination. A []byte or json.RawMessage
// payload is sent as is; anything else is JSON-encoded. Outside the
// Connected state it fails with ErrNotConnected.
func (m *Manager) Publish(destination string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	var body []byte
	switch value := payload.(type) {
	case []byte:
		body = value
	case json.RawMessage:
		body = value
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("realtime: encoding payload for %s: %w", destination, err)
		}
		body = encoded
	}
	if err := conn.Publish(destination, body); err != nil {
		return fmt.Errorf("realtime: publishing to %s: %w", destination, err)
	}
	return nil
}

// IsConnected reports whether the state is Connected.
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStatus registers fn to receive every state transition, in order.
// fn may call back into the Manager. The returned function
// unregisters it.
func (m *Manager) OnStatus(fn func(State)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.observers = append(m.observers, statusObserver{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.observers = slices.DeleteFunc(m.observers, func(o statusObserver) bool { return o.id == id })
	}
}

func (m *Manager) setStateLocked(state State) {
	if m.state == state {
		return
	}
	m.state = state
	m.metrics.SetConnectionState(int(state))
	m.pendingStatus = append(m.pendingStatus, state)
}

// flushStatus delivers queued transitions. Only one goroutine
// delivers at a time; a transition queued by an observer is picked up
// by the delivering goroutine, which keeps delivery ordered.
func (m *Manager) flushStatus() {
	m.mu.Lock()
	if m.flushingStatus {
		m.mu.Unlock()
		return
	}
	m.flushingStatus = true
	for len(m.pendingStatus) > 0 {
		state := m.pendingStatus[0]
		m.pendingStatus = m.pendingStatus[1:]
		observers := slices.Clone(m.observers)
		m.mu.Unlock()
		for _, observer := range observers {
			observer.fn(state)
		}
		m.mu.Lock()
	}
	m.flushingStatus = false
	m.mu.Unlock()
}
