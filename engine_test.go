// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/chatsync/events"
	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/testutil"
	"github.com/bureau-foundation/chatsync/messaging"
	"github.com/bureau-foundation/chatsync/realtime"
	"github.com/bureau-foundation/chatsync/reconcile"
	"github.com/bureau-foundation/chatsync/session"
)

const waitTimeout = 5 * time.Second

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// chatServer serves the request API from memory.
type chatServer struct {
	server *httptest.Server

	mu            sync.Mutex
	conversations []messaging.Conversation
	messages      map[string][]messaging.Message // newest first
	reads         []string
	expired       bool
}

func wireMessage(conversationID string, n int, sender string) messaging.Message {
	created := epoch.Add(time.Duration(n) * time.Minute)
	return messaging.Message{
		ID:             fmt.Sprintf("%s-m%d", conversationID, n),
		ConversationID: conversationID,
		SenderID:       sender,
		Type:           messaging.MessageText,
		Content:        fmt.Sprintf("message %d", n),
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()
	members := []messaging.Member{{UserID: "u1"}, {UserID: "u2"}}
	s := &chatServer{
		conversations: []messaging.Conversation{
			{ID: "c1", Type: messaging.Direct, Members: members, LastMessageAt: epoch.Add(60 * time.Minute), UnreadCount: 0},
			{ID: "c2", Type: messaging.Direct, Members: members, LastMessageAt: epoch.Add(50 * time.Minute), UnreadCount: 3},
		},
		messages: make(map[string][]messaging.Message),
	}
	for n := 50; n >= 1; n-- {
		s.messages["c2"] = append(s.messages["c2"], wireMessage("c2", n, "u2"))
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.server.Close)
	return s
}

func (s *chatServer) serve(writer http.ResponseWriter, request *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := strings.TrimPrefix(request.URL.Path, "/api")
	switch {
	case path == "/auth/login":
		http.SetCookie(writer, &http.Cookie{Name: "refreshToken", Value: "r1", Path: "/", HttpOnly: true})
		reply(writer, http.StatusOK, map[string]any{
			"accessToken": "a1",
			"user":        map[string]any{"id": "u1", "username": "alice"},
		})
		return
	case path == "/auth/refresh":
		if s.expired {
			replyError(writer, http.StatusUnauthorized, messaging.CodeRefreshTokenExpired, "Refresh token expired")
			return
		}
		reply(writer, http.StatusOK, map[string]any{"accessToken": "a2"})
		return
	case path == "/auth/logout":
		reply(writer, http.StatusOK, nil)
		return
	}

	if s.expired || request.Header.Get("Authorization") == "" {
		replyError(writer, http.StatusUnauthorized, messaging.CodeUnauthorized, "Unauthorized")
		return
	}
	switch {
	case path == "/users/me":
		reply(writer, http.StatusOK, map[string]any{"id": "u1", "username": "alice"})
	case path == "/conversations" && request.Method == http.MethodGet:
		reply(writer, http.StatusOK, s.conversations)
	case path == "/messages" && request.Method == http.MethodGet:
		query := request.URL.Query()
		var page, size int
		fmt.Sscan(query.Get("page"), &page)
		fmt.Sscan(query.Get("size"), &size)
		all := s.messages[query.Get("conversationId")]
		start := min(page*size, len(all))
		reply(writer, http.StatusOK, all[start:min(start+size, len(all))])
	case path == "/messages" && request.Method == http.MethodPost:
		var body map[string]string
		json.NewDecoder(request.Body).Decode(&body)
		message := wireMessage(body["conversationId"], 100, "u1")
		message.Content = body["content"]
		reply(writer, http.StatusOK, message)
	case strings.HasPrefix(path, "/conversations/") && strings.HasSuffix(path, "/read"):
		s.reads = append(s.reads, strings.TrimSuffix(strings.TrimPrefix(path, "/conversations/"), "/read"))
		reply(writer, http.StatusOK, nil)
	default:
		http.NotFound(writer, request)
	}
}

func (s *chatServer) readCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.reads)
}

func (s *chatServer) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = true
}

func reply(writer http.ResponseWriter, status int, data any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(map[string]any{"status": "success", "data": data})
}

func replyError(writer http.ResponseWriter, status int, code, message string) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(map[string]any{"status": "error", "code": code, "message": message})
}

type published struct {
	destination string
	body        string
}

type fakeConn struct {
	frames chan realtime.Frame

	mu        sync.Mutex
	topics    map[string]bool
	published []published
	closed    bool
}

func (c *fakeConn) Subscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[topic] = true
	return nil
}

func (c *fakeConn) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topics, topic)
	return nil
}

func (c *fakeConn) Publish(destination string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{destination, string(body)})
	return nil
}

func (c *fakeConn) Frames() <-chan realtime.Frame { return c.frames }

func (c *fakeConn) Err() error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.frames)
	}
	return nil
}

func (c *fakeConn) push(topic, body string) {
	c.frames <- realtime.Frame{Topic: topic, Body: []byte(body)}
}

func (c *fakeConn) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

func (c *fakeConn) publishes() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.published)
}

type fakeTransport struct {
	dialed chan *fakeConn
}

func (f *fakeTransport) Dial(ctx context.Context, token string) (realtime.Conn, error) {
	conn := &fakeConn{frames: make(chan realtime.Frame, 64), topics: make(map[string]bool)}
	f.dialed <- conn
	return conn, nil
}

type harness struct {
	engine *Engine
	server *chatServer
	dialer *fakeTransport
	conn   *fakeConn
	clock  *clock.FakeClock
	logs   *testutil.LogBuffer
}

// startEngine signs in as u1, starts the engine, and waits for the
// realtime connection.
func startEngine(t *testing.T) *harness {
	t.Helper()
	logger, logs := testutil.Logger()
	h := &harness{server: newChatServer(t), clock: clock.Fake(epoch.Add(24 * time.Hour)), logs: logs}
	dialer := &fakeTransport{dialed: make(chan *fakeConn, 4)}
	h.dialer = dialer

	engine, err := New(Config{
		APIURL:         h.server.server.URL + "/api",
		HTTPClient:     h.server.server.Client(),
		Transport:      dialer,
		TypingThrottle: 3 * time.Second,
		StatePath:      filepath.Join(t.TempDir(), "state.bin"),
		Clock:          h.clock,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	h.engine = engine

	ctx := context.Background()
	user, err := engine.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.ID != "u1" {
		t.Fatalf("signed in as %q", user.ID)
	}
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.conn = testutil.RequireReceive(t, dialer.dialed, waitTimeout, "waiting for dial")
	testutil.Eventually(t, waitTimeout, engine.Connection().IsConnected, "waiting for connection")
	return h
}

func messageJSON(t *testing.T, message messaging.Message) string {
	t.Helper()
	encoded, err := json.Marshal(message)
	if err != nil {
		t.Fatal(err)
	}
	return string(encoded)
}

func TestStartSubscribes(t *testing.T) {
	h := startEngine(t)

	for _, topic := range events.UserQueues() {
		if !h.conn.subscribed(topic) {
			t.Errorf("user queue %s not subscribed", topic)
		}
	}
	testutil.Eventually(t, waitTimeout, func() bool {
		return h.conn.subscribed("/topic/conversation.c1") && h.conn.subscribed("/topic/conversation.c2")
	}, "waiting for conversation topics")

	if got := len(h.engine.Store().Conversations()); got != 2 {
		t.Fatalf("loaded %d conversations, want 2", got)
	}
}

func TestRealtimeMessageReconciled(t *testing.T) {
	h := startEngine(t)
	ctx := context.Background()

	if err := h.engine.OpenConversation(ctx, "c2"); err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	store := h.engine.Store()
	messages := store.Messages("c2")
	if len(messages) != 50 || messages[0].ID != "c2-m1" || messages[49].ID != "c2-m50" {
		t.Fatalf("opened log: %d messages", len(messages))
	}
	if summary, _ := store.Conversation("c2"); summary.UnreadCount != 0 {
		t.Errorf("unread after open = %d", summary.UnreadCount)
	}

	arriving := wireMessage("c2", 51, "u2")
	h.conn.push("/topic/conversation.c2", messageJSON(t, arriving))
	testutil.Eventually(t, waitTimeout, func() bool { return len(store.Messages("c2")) == 51 }, "waiting for message 51")

	messages = store.Messages("c2")
	if messages[50].ID != "c2-m51" {
		t.Fatalf("tail = %s", messages[50].ID)
	}
	conversations := store.Conversations()
	if conversations[0].ID != "c2" || !conversations[0].LastMessageAt.Equal(arriving.CreatedAt) {
		t.Fatalf("c2 summary = %s %v", conversations[0].ID, conversations[0].LastMessageAt)
	}

	// Open marks read once; the message from u2 in the active
	// conversation marks it again.
	testutil.Eventually(t, waitTimeout, func() bool {
		return len(h.server.readCalls()) == 2
	}, "waiting for automatic mark-read")

	// The same message again changes nothing.
	h.conn.push("/topic/conversation.c2", messageJSON(t, arriving))
	h.conn.push(events.TopicUnread, `{"conversationId":"c1","unreadCount":5}`)
	testutil.Eventually(t, waitTimeout, func() bool {
		summary, _ := store.Conversation("c1")
		return summary.UnreadCount == 5
	}, "waiting for unread update")
	if got := len(store.Messages("c2")); got != 51 {
		t.Fatalf("duplicate delivery stored: %d messages", got)
	}
}

func TestMessageUpdatesRouted(t *testing.T) {
	h := startEngine(t)
	if err := h.engine.OpenConversation(context.Background(), "c2"); err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	store := h.engine.Store()

	h.conn.push(events.TopicMessageUpdates,
		`{"action":"EDIT","messageId":"c2-m10","conversationId":"c2","senderId":"u2","content":"fixed","updatedAt":"2026-03-02T09:00:00Z"}`)
	h.conn.push(events.TopicMessageUpdates,
		`{"action":"DELETE","messageId":"c2-m11","conversationId":"c2","senderId":"u2","isDeleted":true}`)
	h.conn.push(events.TopicReactions,
		`{"messageId":"c2-m12","conversationId":"c2","userId":"u2","reactionType":"LIKE","added":true,"allReactions":{"u2":"LIKE"}}`)

	testutil.Eventually(t, waitTimeout, func() bool {
		message, _ := store.Message("c2", "c2-m12")
		return message.Reactions["u2"] == "LIKE"
	}, "waiting for reaction")
	if edited, _ := store.Message("c2", "c2-m10"); edited.Content != "fixed" {
		t.Errorf("edited content = %q", edited.Content)
	}
	if deleted, _ := store.Message("c2", "c2-m11"); !deleted.Deleted || deleted.Content != "" {
		t.Errorf("deleted message = %+v", deleted)
	}
}

func TestPresenceRouted(t *testing.T) {
	h := startEngine(t)
	if err := h.engine.OpenConversation(context.Background(), "c2"); err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	tracker := h.engine.Presence()

	h.conn.push(events.TopicTyping, `{"conversationId":"c2","userId":"u2","isTyping":true}`)
	h.conn.push(events.TopicTyping, `{"conversationId":"c2","userId":"u1","isTyping":true}`)
	h.conn.push(events.TopicSeen, `{"conversationId":"c2","userId":"u2","lastReadMessageId":"c2-m20"}`)
	testutil.Eventually(t, waitTimeout, func() bool {
		return tracker.IsSeenBy("c2", "c2-m20", "u2")
	}, "waiting for seen receipt")

	if got := tracker.TypingUsers("c2"); len(got) != 1 || got[0] != "u2" {
		t.Fatalf("TypingUsers = %v, want [u2]", got)
	}
	if tracker.IsSeenBy("c2", "c2-m21", "u2") {
		t.Error("message after the receipt counted as seen")
	}

	h.clock.Advance(5 * time.Second)
	if got := tracker.TypingUsers("c2"); len(got) != 0 {
		t.Fatalf("typing indicator outlived its TTL: %v", got)
	}
}

func TestUndecodableEventDropped(t *testing.T) {
	h := startEngine(t)

	h.conn.push(events.TopicUnread, `{"conversationId":"c1"}`)
	h.conn.push(events.TopicUnread, `{"conversationId":"c1","unreadCount":2}`)
	testutil.Eventually(t, waitTimeout, func() bool {
		summary, _ := h.engine.Store().Conversation("c1")
		return summary.UnreadCount == 2
	}, "waiting for valid event after malformed one")
	if !h.logs.Contains("dropping undecodable event") {
		t.Fatalf("malformed event not logged:\n%s", h.logs.String())
	}
}

func TestTypingPublishThrottled(t *testing.T) {
	h := startEngine(t)

	for range 3 {
		if err := h.engine.StartTyping("c1"); err != nil {
			t.Fatalf("StartTyping: %v", err)
		}
	}
	if got := h.conn.publishes(); len(got) != 1 ||
		got[0].destination != events.DestinationTypingStart || got[0].body != `{"conversationId":"c1"}` {
		t.Fatalf("publishes = %+v, want one typing start", got)
	}

	h.clock.Advance(3 * time.Second)
	h.engine.StartTyping("c1")
	if got := len(h.conn.publishes()); got != 2 {
		t.Fatalf("publishes after throttle window = %d, want 2", got)
	}

	if err := h.engine.StopTyping("c1"); err != nil {
		t.Fatalf("StopTyping: %v", err)
	}
	h.engine.StopTyping("c1")
	got := h.conn.publishes()
	if len(got) != 3 || got[2].destination != events.DestinationTypingStop {
		t.Fatalf("publishes = %+v, want a single stop", got)
	}
}

func TestTypingNotThrottledAfterFailedPublish(t *testing.T) {
	h := startEngine(t)
	ctx := context.Background()

	h.engine.Connection().Disconnect()
	if err := h.engine.StartTyping("c1"); !errors.Is(err, realtime.ErrNotConnected) {
		t.Fatalf("StartTyping while disconnected = %v, want ErrNotConnected", err)
	}

	if err := h.engine.Connection().Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := testutil.RequireReceive(t, h.dialer.dialed, waitTimeout, "waiting for redial")
	testutil.Eventually(t, waitTimeout, h.engine.Connection().IsConnected, "waiting for connection")

	// Same clock instant as the failed attempt: a spent throttle slot
	// would swallow this.
	if err := h.engine.StartTyping("c1"); err != nil {
		t.Fatalf("StartTyping after reconnect: %v", err)
	}
	got := conn.publishes()
	if len(got) != 1 || got[0].destination != events.DestinationTypingStart {
		t.Fatalf("publishes after reconnect = %+v, want one typing start", got)
	}
}

func TestSendMessage(t *testing.T) {
	h := startEngine(t)

	sent, err := h.engine.SendMessage(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	h.conn.push("/topic/conversation.c1", messageJSON(t, *sent))
	h.conn.push(events.TopicUnread, `{"conversationId":"c1","unreadCount":1}`)
	testutil.Eventually(t, waitTimeout, func() bool {
		summary, _ := h.engine.Store().Conversation("c1")
		return summary.UnreadCount == 1
	}, "waiting for events")

	messages := h.engine.Store().Messages("c1")
	if len(messages) != 1 || messages[0].Content != "hello" {
		t.Fatalf("c1 log = %+v, want the sent message once", messages)
	}
}

func TestSessionExpiryTearsDown(t *testing.T) {
	h := startEngine(t)
	expired := make(chan struct{})
	h.engine.Session().OnExpired(func() { close(expired) })

	h.server.expire()
	err := h.engine.Store().LoadConversations(context.Background())
	if !errors.Is(err, session.ErrSessionExpired) {
		t.Fatalf("LoadConversations = %v, want ErrSessionExpired", err)
	}
	testutil.RequireClosed(t, expired, waitTimeout, "waiting for expiry signal")

	if h.engine.Connection().State() != realtime.Disconnected {
		t.Errorf("connection state = %s", h.engine.Connection().State())
	}
	if topics := h.engine.Connection().Topics(); len(topics) != 0 {
		t.Errorf("topics after expiry = %v", topics)
	}
	if got := h.engine.Store().Conversations(); len(got) != 0 {
		t.Errorf("conversations after expiry = %d", len(got))
	}
	if h.engine.User() != nil {
		t.Error("user still set after expiry")
	}
	if err := h.engine.Start(context.Background()); !errors.Is(err, ErrNotSignedIn) {
		t.Errorf("Start after expiry = %v, want ErrNotSignedIn", err)
	}
}

func TestLogout(t *testing.T) {
	h := startEngine(t)
	if err := h.engine.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if h.engine.Session().Authenticated() {
		t.Error("credential kept after logout")
	}
	if h.engine.Connection().State() != realtime.Disconnected || len(h.engine.Connection().Topics()) != 0 {
		t.Error("connection not torn down")
	}
}

func TestSaveAndLoadState(t *testing.T) {
	h := startEngine(t)
	if err := h.engine.OpenConversation(context.Background(), "c2"); err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	if err := h.engine.SaveState(); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	h.engine.Store().Reset()
	restored, err := h.engine.LoadState()
	if err != nil || !restored {
		t.Fatalf("LoadState = %v, %v", restored, err)
	}
	if got := len(h.engine.Store().Messages("c2")); got != 50 {
		t.Fatalf("restored %d messages, want 50", got)
	}
	if got := h.engine.Store().Conversations(); len(got) != 2 {
		t.Fatalf("restored %d conversations", len(got))
	}
}

func TestReconnectRefreshesConversations(t *testing.T) {
	h := startEngine(t)
	var replaced int
	var mu sync.Mutex
	h.engine.Store().Subscribe(func(change reconcile.Change) {
		if change.Kind == reconcile.ConversationsReplaced {
			mu.Lock()
			replaced++
			mu.Unlock()
		}
	})

	states := make(chan realtime.State, 16)
	h.engine.Connection().OnStatus(func(state realtime.State) { states <- state })
	h.conn.Close()
	for {
		state := testutil.RequireReceive(t, states, waitTimeout, "waiting for reconnect to be scheduled")
		if state == realtime.Connecting {
			break
		}
	}
	h.clock.WaitForTimers(1)
	h.clock.Advance(time.Minute)

	testutil.Eventually(t, waitTimeout, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return replaced > 0
	}, "waiting for conversation refresh after reconnect")
}
