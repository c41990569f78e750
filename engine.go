// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/chatsync/events"
	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/lib/sealed"
	"github.com/bureau-foundation/chatsync/messaging"
	"github.com/bureau-foundation/chatsync/presence"
	"github.com/bureau-foundation/chatsync/realtime"
	"github.com/bureau-foundation/chatsync/reconcile"
	"github.com/bureau-foundation/chatsync/session"
	"github.com/bureau-foundation/chatsync/transport"
)

// ErrNotSignedIn is returned by operations that need a signed-in user.
var ErrNotSignedIn = errors.New("chatsync: not signed in")

// DefaultTypingThrottle is the minimum gap between typing-start
// publishes for one conversation.
const DefaultTypingThrottle = 3 * time.Second

// Config configures an Engine. APIURL and WebSocketURL are required
// unless Transport is set, in which case WebSocketURL is unused.
type Config struct {
	APIURL       string
	WebSocketURL string

	// HTTPClient is the base client for API calls. Its Transport is
	// wrapped so every request carries the session credential.
	HTTPClient *http.Client

	// RequestTimeout bounds each API call when HTTPClient is nil.
	RequestTimeout time.Duration

	// RefreshSkew is how close to expiry a connection attempt
	// refreshes the credential first.
	RefreshSkew time.Duration

	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	Jitter               float64
	HeartBeat            time.Duration

	TypingTTL      time.Duration
	TypingThrottle time.Duration

	PageSize int

	// StatePath is where SaveState writes the conversation cache.
	// Empty disables SaveState and LoadState.
	StatePath string
	// Identity seals the state file when set.
	Identity *sealed.Identity

	// Transport replaces the STOMP transport.
	Transport realtime.Transport

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Engine owns one signed-in client: its session, API client, realtime
// connection, conversation store, and presence tracker.
type Engine struct {
	clock          clock.Clock
	logger         *slog.Logger
	metrics        *metrics.Metrics
	typingThrottle time.Duration
	statePath      string
	identity       *sealed.Identity

	session    *session.Manager
	client     *messaging.Client
	connection *realtime.Manager
	store      *reconcile.Store
	presence   *presence.Tracker

	stopWatching []func()

	mu            sync.Mutex
	user          *messaging.User
	started       bool
	connects      int
	conversations map[string]*realtime.Subscription
	typing        map[string]*rate.Limiter
}

// New builds an Engine. Nothing touches the network until Login,
// Register, or RestoreSession.
func New(config Config) (*Engine, error) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.TypingThrottle <= 0 {
		config.TypingThrottle = DefaultTypingThrottle
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}

	sessions := session.NewManager(session.Config{
		Clock:       config.Clock,
		RefreshSkew: config.RefreshSkew,
		Logger:      config.Logger.With("component", "session"),
		Metrics:     config.Metrics,
	})

	httpClient := &http.Client{Timeout: config.RequestTimeout}
	if config.HTTPClient != nil {
		copied := *config.HTTPClient
		httpClient = &copied
	}
	httpClient.Transport = &session.Transport{Base: httpClient.Transport, Manager: sessions}

	client, err := messaging.NewClient(messaging.ClientConfig{
		BaseURL:    config.APIURL,
		HTTPClient: httpClient,
		Logger:     config.Logger.With("component", "messaging"),
	})
	if err != nil {
		return nil, err
	}
	sessions.SetRefresher(client)

	dialer := config.Transport
	if dialer == nil {
		stomp, err := transport.New(transport.Config{
			URL:       config.WebSocketURL,
			HeartBeat: config.HeartBeat,
			Clock:     config.Clock,
			Logger:    config.Logger.With("component", "transport"),
		})
		if err != nil {
			return nil, err
		}
		dialer = stomp
	}

	connection := realtime.NewManager(realtime.Config{
		Transport:         dialer,
		Credentials:       sessions,
		Clock:             config.Clock,
		ReconnectDelay:    config.ReconnectDelay,
		MaxReconnectDelay: config.MaxReconnectDelay,
		MaxAttempts:       config.MaxReconnectAttempts,
		Jitter:            config.Jitter,
		Logger:            config.Logger.With("component", "realtime"),
		Metrics:           config.Metrics,
	})

	store := reconcile.NewStore(reconcile.Config{
		API:      client,
		PageSize: config.PageSize,
		Logger:   config.Logger.With("component", "reconcile"),
		Metrics:  config.Metrics,
	})

	tracker := presence.NewTracker(presence.Config{
		Messages:  store,
		TypingTTL: config.TypingTTL,
		Clock:     config.Clock,
		Logger:    config.Logger.With("component", "presence"),
		Metrics:   config.Metrics,
	})

	e := &Engine{
		clock:          config.Clock,
		logger:         config.Logger,
		metrics:        config.Metrics,
		typingThrottle: config.TypingThrottle,
		statePath:      config.StatePath,
		identity:       config.Identity,
		session:        sessions,
		client:         client,
		connection:     connection,
		store:          store,
		presence:       tracker,
		conversations:  make(map[string]*realtime.Subscription),
		typing:         make(map[string]*rate.Limiter),
	}
	e.stopWatching = []func(){
		sessions.OnExpired(e.sessionExpired),
		store.Subscribe(e.storeChanged),
		connection.OnStatus(e.connectionChanged),
	}
	return e, nil
}

// Session returns the session manager.
func (e *Engine) Session() *session.Manager { return e.session }

// Client returns the API client.
func (e *Engine) Client() *messaging.Client { return e.client }

// Connection returns the realtime connection manager.
func (e *Engine) Connection() *realtime.Manager { return e.connection }

// Store returns the conversation store.
func (e *Engine) Store() *reconcile.Store { return e.store }

// Presence returns the typing and seen tracker.
func (e *Engine) Presence() *presence.Tracker { return e.presence }

// User returns the signed-in user, or nil.
func (e *Engine) User() *messaging.User {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.user == nil {
		return nil
	}
	user := *e.user
	return &user
}

// Login signs in with a username and password.
func (e *Engine) Login(ctx context.Context, username, password string) (*messaging.User, error) {
	result, err := e.client.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return e.signIn(ctx, result)
}

// Register creates an account and signs in to it.
func (e *Engine) Register(ctx context.Context, request messaging.RegisterRequest) (*messaging.User, error) {
	result, err := e.client.Register(ctx, request)
	if err != nil {
		return nil, err
	}
	return e.signIn(ctx, result)
}

func (e *Engine) signIn(ctx context.Context, result *messaging.AuthResult) (*messaging.User, error) {
	if err := e.session.SetCredential(result.AccessToken); err != nil {
		return nil, fmt.Errorf("chatsync: %w", err)
	}
	user := result.User
	if user == nil {
		var err error
		if user, err = e.client.CurrentUser(ctx); err != nil {
			return nil, err
		}
	}
	e.setUser(user)
	return user, nil
}

// RestoreSession resumes a previous session from the refresh cookie:
// it obtains a new credential, then fetches the current user.
func (e *Engine) RestoreSession(ctx context.Context) (*messaging.User, error) {
	if _, err := e.session.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("chatsync: restoring session: %w", err)
	}
	user, err := e.client.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	e.setUser(user)
	e.logger.Info("session restored", "user_id", user.ID, "username", user.Username)
	return user, nil
}

func (e *Engine) setUser(user *messaging.User) {
	e.mu.Lock()
	copied := *user
	e.user = &copied
	e.mu.Unlock()

	e.store.SetLocalUser(user.ID)
	e.presence.SetLocalUser(user.ID)
}

// Logout revokes the session server-side and clears all local state.
// The local state is cleared even when the server call fails.
func (e *Engine) Logout(ctx context.Context) error {
	err := e.client.Logout(ctx)
	if err != nil {
		e.logger.Warn("server logout failed, clearing local session anyway", "error", err)
	}
	e.session.ClearCredential()
	e.teardown()
	return err
}

// Start subscribes to the user queues, connects, loads the
// conversation list, and subscribes to each conversation's topic.
// The connection is established in the background; watch
// Connection().OnStatus for progress.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.user == nil {
		e.mu.Unlock()
		return ErrNotSignedIn
	}
	e.started = true
	e.mu.Unlock()

	for _, topic := range events.UserQueues() {
		e.connection.Subscribe(topic, e.handleFrame)
	}
	if err := e.connection.Connect(ctx); err != nil {
		return fmt.Errorf("chatsync: connecting: %w", err)
	}
	if err := e.store.LoadConversations(ctx); err != nil {
		return fmt.Errorf("chatsync: loading conversations: %w", err)
	}
	return nil
}

// OpenConversation makes conversationID the active conversation: its
// newest page is loaded, its topic subscribed, and it is marked read.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	e.watchConversation(conversationID)
	if err := e.store.LoadMessages(ctx, conversationID, 0, 0); err != nil {
		return fmt.Errorf("chatsync: opening %s: %w", conversationID, err)
	}
	e.store.SetActive(conversationID)
	if err := e.store.MarkRead(ctx, conversationID); err != nil {
		return fmt.Errorf("chatsync: opening %s: %w", conversationID, err)
	}
	return nil
}

// LoadOlderMessages loads history page n (0 is the newest) of a
// conversation.
func (e *Engine) LoadOlderMessages(ctx context.Context, conversationID string, page int) error {
	return e.store.LoadMessages(ctx, conversationID, page, 0)
}

// CloseConversation clears the active conversation if it is
// conversationID, and stops any typing indicator sent for it. The
// conversation's topic stays subscribed while it is in the list.
func (e *Engine) CloseConversation(conversationID string) {
	if e.store.Active() == conversationID {
		e.store.SetActive("")
	}
	if err := e.StopTyping(conversationID); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		e.logger.Debug("typing stop on close failed", "conversation_id", conversationID, "error", err)
	}
}

// SendMessage posts a text message and adds the server's copy to the
// store. The realtime echo of the same message is deduplicated.
func (e *Engine) SendMessage(ctx context.Context, conversationID, content string) (*messaging.Message, error) {
	message, err := e.client.SendMessage(ctx, conversationID, content)
	if err != nil {
		return nil, err
	}
	if message.ConversationID == "" {
		message.ConversationID = conversationID
	}
	e.store.ApplyNewMessage(*message)
	if err := e.StopTyping(conversationID); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		e.logger.Debug("typing stop after send failed", "conversation_id", conversationID, "error", err)
	}
	return message, nil
}

// ToggleReaction adds, replaces, or removes the user's reaction on a
// message. The store is updated by the realtime event that follows.
func (e *Engine) ToggleReaction(ctx context.Context, messageID, kind string) error {
	return e.client.ToggleReaction(ctx, messageID, kind)
}

// CreateDirectConversation opens a one-to-one conversation and
// refreshes the list.
func (e *Engine) CreateDirectConversation(ctx context.Context, targetUserID string) (*messaging.Conversation, error) {
	conversation, err := e.client.CreateDirectConversation(ctx, targetUserID)
	if err != nil {
		return nil, err
	}
	return conversation, e.store.LoadConversations(ctx)
}

// CreateGroupConversation creates a group and refreshes the list.
func (e *Engine) CreateGroupConversation(ctx context.Context, name string, memberUserIDs []string) (*messaging.Conversation, error) {
	conversation, err := e.client.CreateGroupConversation(ctx, name, memberUserIDs)
	if err != nil {
		return nil, err
	}
	return conversation, e.store.LoadConversations(ctx)
}

// StartTyping tells the conversation's members the user is typing.
// Calls closer together than the typing throttle are absorbed.
func (e *Engine) StartTyping(conversationID string) error {
	e.mu.Lock()
	limiter, ok := e.typing[conversationID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(e.typingThrottle), 1)
		e.typing[conversationID] = limiter
	}
	allowed := limiter.AllowN(e.clock.Now(), 1)
	e.mu.Unlock()

	if !allowed {
		return nil
	}
	err := e.connection.Publish(events.DestinationTypingStart, events.TypingPayload{ConversationID: conversationID})
	if err != nil {
		// Nothing went out, so the next start must not be throttled.
		e.mu.Lock()
		if e.typing[conversationID] == limiter {
			delete(e.typing, conversationID)
		}
		e.mu.Unlock()
	}
	return err
}

// StopTyping tells the conversation's members the user stopped typing.
// Nothing is sent if StartTyping was not called since the last stop.
func (e *Engine) StopTyping(conversationID string) error {
	e.mu.Lock()
	_, typing := e.typing[conversationID]
	delete(e.typing, conversationID)
	e.mu.Unlock()

	if !typing {
		return nil
	}
	return e.connection.Publish(events.DestinationTypingStop, events.TypingPayload{ConversationID: conversationID})
}

// Close disconnects and stops background work. The session credential
// is dropped without contacting the server.
func (e *Engine) Close() error {
	for _, stop := range e.stopWatching {
		stop()
	}
	e.connection.Disconnect()
	e.store.Close()
	e.presence.Reset()
	e.session.ClearCredential()
	e.client.CloseIdleConnections()
	return nil
}

// sessionExpired runs when a refresh fails: everything tied to the
// session is dropped so nothing keeps retrying with a dead credential.
func (e *Engine) sessionExpired() {
	e.logger.Warn("session expired, clearing local state")
	e.teardown()
}

func (e *Engine) teardown() {
	e.connection.Disconnect()
	e.connection.UnsubscribeAll()

	e.mu.Lock()
	e.user = nil
	e.started = false
	e.connects = 0
	clear(e.conversations)
	clear(e.typing)
	e.mu.Unlock()

	e.store.Reset()
	e.presence.Reset()
}

// watchConversation subscribes to a conversation's message topic once.
func (e *Engine) watchConversation(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.conversations[conversationID]; ok {
		return
	}
	e.conversations[conversationID] = e.connection.Subscribe(events.ConversationTopic(conversationID), e.handleFrame)
}

// storeChanged keeps conversation topic subscriptions in line with the
// conversation list.
func (e *Engine) storeChanged(change reconcile.Change) {
	if change.Kind != reconcile.ConversationsReplaced {
		return
	}
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return
	}

	listed := make(map[string]bool)
	for _, conversation := range e.store.Conversations() {
		listed[conversation.ID] = true
		e.watchConversation(conversation.ID)
	}

	e.mu.Lock()
	var dropped []*realtime.Subscription
	for id, subscription := range e.conversations {
		if !listed[id] {
			dropped = append(dropped, subscription)
			delete(e.conversations, id)
		}
	}
	e.mu.Unlock()
	for _, subscription := range dropped {
		subscription.Unsubscribe()
	}
}

func (e *Engine) connectionChanged(state realtime.State) {
	e.logger.Debug("realtime state", "state", state.String())
	if state != realtime.Connected {
		return
	}
	e.mu.Lock()
	e.connects++
	reconnected := e.started && e.connects > 1
	e.mu.Unlock()

	// Events missed while disconnected are not replayed; the list
	// carries current unread counts and previews.
	if reconnected {
		e.store.RefreshConversations()
	}
}
