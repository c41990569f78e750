// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/chatsync/events"
	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/messaging"
)

// API is the subset of the request client the Store calls.
type API interface {
	FetchConversations(ctx context.Context) ([]messaging.Conversation, error)
	FetchMessages(ctx context.Context, conversationID string, page, size int) ([]messaging.Message, error)
	MarkConversationAsRead(ctx context.Context, conversationID string) error
}

// DefaultPageSize is the number of messages LoadMessages asks for when
// size is not positive.
const DefaultPageSize = 50

// Config configures a Store.
type Config struct {
	API API

	PageSize int

	// BackgroundTimeout bounds each background request. Default 30s.
	BackgroundTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// ChangeKind says what a Change affected.
type ChangeKind string

const (
	ConversationsReplaced ChangeKind = "conversations-replaced"
	ConversationUpdated   ChangeKind = "conversation-updated"
	MessagesLoaded        ChangeKind = "messages-loaded"
	MessageAdded          ChangeKind = "message-added"
	MessageEdited         ChangeKind = "message-edited"
	MessageDeleted        ChangeKind = "message-deleted"
	ReactionsChanged      ChangeKind = "reactions-changed"
	UnreadChanged         ChangeKind = "unread-changed"
	MembershipChanged     ChangeKind = "membership-changed"
	StoreReset            ChangeKind = "reset"
)

// Change describes one mutation. MessageID is empty for conversation
// level changes; both ids are empty for ConversationsReplaced and
// StoreReset.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	MessageID      string
}

// Metric labels.
const (
	kindMessage    = "message"
	kindEdit       = "edit"
	kindDelete     = "delete"
	kindReaction   = "reaction"
	kindUnread     = "unread"
	kindMembership = "membership"
)

type messageLog struct {
	messages []messaging.Message
	index    map[string]int
}

func newMessageLog() *messageLog {
	return &messageLog{index: make(map[string]int)}
}

func (l *messageLog) find(messageID string) *messaging.Message {
	position, ok := l.index[messageID]
	if !ok {
		return nil
	}
	return &l.messages[position]
}

func (l *messageLog) reindex() {
	clear(l.index)
	for position, message := range l.messages {
		l.index[message.ID] = position
	}
}

// insert places message after every message created at or before it.
// In-order delivery therefore appends at the tail.
func (l *messageLog) insert(message messaging.Message) {
	position := len(l.messages)
	for position > 0 && l.messages[position-1].CreatedAt.After(message.CreatedAt) {
		position--
	}
	l.messages = slices.Insert(l.messages, position, message)
	if position == len(l.messages)-1 {
		l.index[message.ID] = position
		return
	}
	l.reindex()
}

// merge adds a page of messages, keeping whichever copy of a message
// was updated last, and restores creation order.
func (l *messageLog) merge(page []messaging.Message) int {
	added := 0
	for _, message := range page {
		if existing := l.find(message.ID); existing != nil {
			if message.UpdatedAt.After(existing.UpdatedAt) {
				*existing = message.Clone()
			}
			continue
		}
		l.messages = append(l.messages, message.Clone())
		added++
	}
	slices.SortStableFunc(l.messages, func(a, b messaging.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	l.reindex()
	return added
}

type observer struct {
	id uint64
	fn func(Change)
}

// Store is the reconciled conversation and message cache.
type Store struct {
	api               API
	pageSize          int
	backgroundTimeout time.Duration
	logger            *slog.Logger
	metrics           *metrics.Metrics

	refetches singleflight.Group

	lifetime context.Context
	shutdown context.CancelFunc
	pending  sync.WaitGroup
	flights  sync.WaitGroup

	mu            sync.Mutex
	epoch         uint64
	order         []string
	conversations map[string]*messaging.Conversation
	logs          map[string]*messageLog
	localUser     string
	active        string
	observers     []observer
	nextID        uint64
	listWanted    uint64
	closed        bool
}

// NewStore creates an empty Store.
func NewStore(config Config) *Store {
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.BackgroundTimeout <= 0 {
		config.BackgroundTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	lifetime, shutdown := context.WithCancel(context.Background())
	return &Store{
		api:               config.API,
		pageSize:          config.PageSize,
		backgroundTimeout: config.BackgroundTimeout,
		logger:            config.Logger,
		metrics:           config.Metrics,
		lifetime:          lifetime,
		shutdown:          shutdown,
		conversations:     make(map[string]*messaging.Conversation),
		logs:              make(map[string]*messageLog),
	}
}

// SetLocalUser sets the id of the signed-in user. Messages from the
// local user never trigger an automatic mark-read.
func (s *Store) SetLocalUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localUser = userID
}

// SetActive marks conversationID as the one being viewed; "" clears
// it. New messages from others in the active conversation are marked
// read automatically.
func (s *Store) SetActive(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = conversationID
}

// Active returns the active conversation id.
func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// LoadConversations fetches the conversation list and replaces the
// summaries. Concurrent loads, including background refetches, share
// one request, but a load is only satisfied by a request that started
// after it was made: a load arriving while an earlier request is in
// flight waits for it and then joins one trailing request.
func (s *Store) LoadConversations(ctx context.Context) error {
	s.mu.Lock()
	s.listWanted++
	wanted := s.listWanted
	s.mu.Unlock()

	for {
		results := s.refetches.DoChan("conversations", s.conversationFlight)
		select {
		case result := <-results:
			if started, _ := result.Val.(uint64); started < wanted {
				continue
			}
			return result.Err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// conversationFlight runs one shared list request. Its value is the
// load sequence number current when it started. It runs under the
// store's lifetime rather than any caller's context, and Close waits
// for it.
func (s *Store) conversationFlight() (any, error) {
	s.mu.Lock()
	started := s.listWanted
	if s.closed {
		s.mu.Unlock()
		return started, fmt.Errorf("reconcile: fetching conversations: %w", context.Canceled)
	}
	s.flights.Add(1)
	s.mu.Unlock()
	defer s.flights.Done()

	ctx, cancel := context.WithTimeout(s.lifetime, s.backgroundTimeout)
	defer cancel()
	return started, s.fetchConversations(ctx)
}

func (s *Store) fetchConversations(ctx context.Context) error {
	epoch := s.currentEpoch()
	conversations, err := s.api.FetchConversations(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: fetching conversations: %w", err)
	}
	s.replaceConversations(epoch, conversations)
	return nil
}

// ReplaceConversations sets the summary list. The given order is kept.
func (s *Store) ReplaceConversations(conversations []messaging.Conversation) {
	s.replaceConversations(s.currentEpoch(), conversations)
}

func (s *Store) replaceConversations(epoch uint64, conversations []messaging.Conversation) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		s.logger.Debug("discarding conversation list fetched before reset")
		return
	}
	s.order = s.order[:0]
	clear(s.conversations)
	for _, conversation := range conversations {
		if _, duplicate := s.conversations[conversation.ID]; duplicate {
			continue
		}
		copied := conversation.Clone()
		s.conversations[conversation.ID] = &copied
		s.order = append(s.order, conversation.ID)
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ConversationsReplaced})
}

// LoadMessages fetches one page of a conversation's history and
// merges it into the log. Page 0 is the newest. A non-positive size
// uses the configured page size.
func (s *Store) LoadMessages(ctx context.Context, conversationID string, page, size int) error {
	if size <= 0 {
		size = s.pageSize
	}
	epoch := s.currentEpoch()
	messages, err := s.api.FetchMessages(ctx, conversationID, page, size)
	if err != nil {
		return fmt.Errorf("reconcile: fetching messages for %s: %w", conversationID, err)
	}
	s.storeMessagePage(epoch, conversationID, messages)
	return nil
}

// StoreMessagePage merges a page returned newest first.
func (s *Store) StoreMessagePage(conversationID string, newestFirst []messaging.Message) {
	s.storeMessagePage(s.currentEpoch(), conversationID, newestFirst)
}

func (s *Store) storeMessagePage(epoch uint64, conversationID string, newestFirst []messaging.Message) {
	page := slices.Clone(newestFirst)
	slices.Reverse(page)
	for i := range page {
		if page[i].ConversationID == "" {
			page[i].ConversationID = conversationID
		}
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	added := s.logLocked(conversationID).merge(page)
	s.mu.Unlock()

	s.logger.Debug("message page stored", "conversation_id", conversationID, "received", len(page), "added", added)
	s.notify(Change{Kind: MessagesLoaded, ConversationID: conversationID})
}

func (s *Store) logLocked(conversationID string) *messageLog {
	log, ok := s.logs[conversationID]
	if !ok {
		log = newMessageLog()
		s.logs[conversationID] = log
	}
	return log
}

// ApplyNewMessage adds a message delivered in realtime. It returns
// false if the message was already present.
func (s *Store) ApplyNewMessage(message messaging.Message) bool {
	conversationID := message.ConversationID

	s.mu.Lock()
	log := s.logLocked(conversationID)
	if log.find(message.ID) != nil {
		s.mu.Unlock()
		s.metrics.Reconciled(kindMessage, metrics.OutcomeDuplicate)
		return false
	}
	log.insert(message.Clone())

	conversation, known := s.conversations[conversationID]
	if known {
		if !message.CreatedAt.Before(conversation.LastMessageAt) {
			conversation.LastMessageAt = message.CreatedAt
			conversation.LastMessageContent = message.Content
		}
		s.moveToFrontLocked(conversationID)
	}
	markRead := known && s.active == conversationID && message.SenderID != s.localUser
	s.mu.Unlock()

	s.metrics.Reconciled(kindMessage, metrics.OutcomeApplied)
	if !known {
		s.logger.Info("message for unknown conversation, refetching list", "conversation_id", conversationID)
		s.refetchConversations()
	}
	if markRead {
		s.markReadInBackground(conversationID)
	}
	s.notify(Change{Kind: MessageAdded, ConversationID: conversationID, MessageID: message.ID})
	return true
}

func (s *Store) moveToFrontLocked(conversationID string) {
	position := slices.Index(s.order, conversationID)
	if position <= 0 {
		return
	}
	copy(s.order[1:position+1], s.order[:position])
	s.order[0] = conversationID
}

// ApplyEdit replaces a message's content. A message not in the log is
// discarded.
func (s *Store) ApplyEdit(conversationID, messageID, content string, updatedAt time.Time) bool {
	return s.updateMessage(kindEdit, MessageEdited, conversationID, messageID, func(message *messaging.Message) {
		message.Content = content
		if !updatedAt.IsZero() {
			message.UpdatedAt = updatedAt
		}
	})
}

// ApplyDelete clears a message's content and marks it deleted. A
// message not in the log is discarded.
func (s *Store) ApplyDelete(conversationID, messageID string, updatedAt time.Time) bool {
	return s.updateMessage(kindDelete, MessageDeleted, conversationID, messageID, func(message *messaging.Message) {
		message.Content = ""
		message.Deleted = true
		if !updatedAt.IsZero() {
			message.UpdatedAt = updatedAt
		}
	})
}

// ApplyReaction replaces a message's whole reaction map. A message not
// in the log is discarded.
func (s *Store) ApplyReaction(conversationID, messageID string, reactions map[string]string) bool {
	replacement := make(map[string]string, len(reactions))
	for participant, kind := range reactions {
		replacement[participant] = kind
	}
	return s.updateMessage(kindReaction, ReactionsChanged, conversationID, messageID, func(message *messaging.Message) {
		message.Reactions = replacement
	})
}

func (s *Store) updateMessage(kind string, change ChangeKind, conversationID, messageID string, update func(*messaging.Message)) bool {
	s.mu.Lock()
	var message *messaging.Message
	if log, ok := s.logs[conversationID]; ok {
		message = log.find(messageID)
	}
	if message == nil {
		s.mu.Unlock()
		s.metrics.Reconciled(kind, metrics.OutcomeDiscarded)
		s.logger.Debug("discarding update for message not in log",
			"kind", kind, "conversation_id", conversationID, "message_id", messageID)
		return false
	}
	update(message)

	// Keep the summary preview in step when the newest message changes.
	if conversation, ok := s.conversations[conversationID]; ok && change != ReactionsChanged {
		log := s.logs[conversationID]
		if log.messages[len(log.messages)-1].ID == messageID {
			conversation.LastMessageContent = message.Content
		}
	}
	s.mu.Unlock()

	s.metrics.Reconciled(kind, metrics.OutcomeApplied)
	s.notify(Change{Kind: change, ConversationID: conversationID, MessageID: messageID})
	return true
}

// ApplyUnreadUpdate sets a conversation's unread count. For a
// conversation not in the list it refetches the list and returns
// false.
func (s *Store) ApplyUnreadUpdate(conversationID string, count int) bool {
	s.mu.Lock()
	conversation, ok := s.conversations[conversationID]
	if ok {
		conversation.UnreadCount = count
	}
	s.mu.Unlock()

	if !ok {
		s.metrics.Reconciled(kindUnread, metrics.OutcomeRefetch)
		s.logger.Info("unread update for unknown conversation, refetching list", "conversation_id", conversationID)
		s.refetchConversations()
		return false
	}
	s.metrics.Reconciled(kindUnread, metrics.OutcomeApplied)
	s.notify(Change{Kind: UnreadChanged, ConversationID: conversationID})
	return true
}

// MarkRead tells the server the conversation has been read and, once
// it acknowledges, zeroes the local unread count.
func (s *Store) MarkRead(ctx context.Context, conversationID string) error {
	epoch := s.currentEpoch()
	if err := s.api.MarkConversationAsRead(ctx, conversationID); err != nil {
		return fmt.Errorf("reconcile: marking %s read: %w", conversationID, err)
	}

	s.mu.Lock()
	conversation, ok := s.conversations[conversationID]
	changed := ok && epoch == s.epoch && conversation.UnreadCount != 0
	if changed {
		conversation.UnreadCount = 0
	}
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: UnreadChanged, ConversationID: conversationID})
	}
	return nil
}

// ApplyMembership applies a group event to the conversation's members
// and metadata. The list is refetched when the conversation is unknown
// or the local user left it.
func (s *Store) ApplyMembership(event events.Membership) bool {
	s.mu.Lock()
	conversation, ok := s.conversations[event.ConversationID]
	if !ok {
		s.mu.Unlock()
		s.metrics.Reconciled(kindMembership, metrics.OutcomeRefetch)
		s.refetchConversations()
		return false
	}

	removedSelf := false
	switch event.Change {
	case events.MemberLeft, events.MemberKicked:
		conversation.Members = slices.DeleteFunc(conversation.Members, func(m messaging.Member) bool {
			return m.UserID == event.TargetUserID
		})
		removedSelf = event.TargetUserID == s.localUser
	case events.RoleChanged:
		setRole(conversation, event.TargetUserID, event.NewRole)
	case events.OwnershipTransferred:
		previous := event.ActorID
		if previous == "" {
			previous = conversation.OwnerID
		}
		if previous != "" && previous != event.TargetUserID {
			setRole(conversation, previous, messaging.RoleAdmin)
		}
		conversation.OwnerID = event.TargetUserID
		setRole(conversation, event.TargetUserID, messaging.RoleOwner)
	case events.GroupInfoUpdated:
		if event.GroupName != "" {
			conversation.Name = event.GroupName
		}
		if event.GroupAvatarURL != "" {
			conversation.AvatarURL = event.GroupAvatarURL
		}
	}
	s.mu.Unlock()

	s.metrics.Reconciled(kindMembership, metrics.OutcomeApplied)
	if removedSelf {
		s.logger.Info("removed from conversation, refetching list",
			"conversation_id", event.ConversationID, "change", event.Change)
		s.refetchConversations()
	}
	s.notify(Change{Kind: MembershipChanged, ConversationID: event.ConversationID})
	return true
}

func setRole(conversation *messaging.Conversation, userID, role string) {
	for i := range conversation.Members {
		if conversation.Members[i].UserID == userID {
			conversation.Members[i].Role = role
			return
		}
	}
}

// Conversations returns the summaries, most recently active first.
func (s *Store) Conversations() []messaging.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]messaging.Conversation, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.conversations[id].Clone())
	}
	return result
}

// Conversation returns one summary.
func (s *Store) Conversation(conversationID string) (messaging.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[conversationID]
	if !ok {
		return messaging.Conversation{}, false
	}
	return conversation.Clone(), true
}

// Messages returns a conversation's log, oldest first.
func (s *Store) Messages(conversationID string) []messaging.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	result := make([]messaging.Message, len(log.messages))
	for i, message := range log.messages {
		result[i] = message.Clone()
	}
	return result
}

// Message returns one message.
func (s *Store) Message(conversationID, messageID string) (messaging.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[conversationID]
	if !ok {
		return messaging.Message{}, false
	}
	message := log.find(messageID)
	if message == nil {
		return messaging.Message{}, false
	}
	return message.Clone(), true
}

// Subscribe registers fn for every Change. The returned function
// unregisters it.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.observers = append(s.observers, observer{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.observers = slices.DeleteFunc(s.observers, func(o observer) bool { return o.id == id })
	}
}

func (s *Store) notify(change Change) {
	s.mu.Lock()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()
	for _, observer := range observers {
		observer.fn(change)
	}
}

// Reset forgets every conversation and message, the active
// conversation, and the local user. Background work already running
// finishes but its results are dropped.
func (s *Store) Reset() {
	s.mu.Lock()
	s.epoch++
	s.order = nil
	s.conversations = make(map[string]*messaging.Conversation)
	s.logs = make(map[string]*messageLog)
	s.active = ""
	s.localUser = ""
	s.mu.Unlock()

	s.notify(Change{Kind: StoreReset})
}

func (s *Store) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Wait blocks until background requests started so far have finished.
func (s *Store) Wait() {
	s.pending.Wait()
}

// Close cancels background requests and waits for them.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.shutdown()
	s.pending.Wait()
	s.flights.Wait()
}

func (s *Store) background(name string, work func(ctx context.Context) error) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(s.lifetime, s.backgroundTimeout)
		defer cancel()
		if err := work(ctx); err != nil && s.lifetime.Err() == nil {
			s.logger.Warn("background request failed", "request", name, "error", err)
		}
	}()
}

// RefreshConversations reloads the conversation list in the
// background.
func (s *Store) RefreshConversations() {
	s.refetchConversations()
}

func (s *Store) refetchConversations() {
	s.background("refetch conversations", s.LoadConversations)
}

func (s *Store) markReadInBackground(conversationID string) {
	s.background("mark read", func(ctx context.Context) error {
		return s.MarkRead(ctx, conversationID)
	})
}
