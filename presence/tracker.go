// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package presence tracks who is typing in each conversation and how
// far each participant has read.
//
// Typing indicators are transient: a start event holds for [TypingTTL]
// unless refreshed by another start or cleared by a stop. Seen
// receipts persist until replaced by a later receipt from the same
// user or cleared by [Tracker.Reset].
package presence

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/messaging"
)

// TypingTTL is how long a typing indicator lasts without a refresh.
const TypingTTL = 5 * time.Second

// MessageLookup resolves message ids to messages. *reconcile.Store
// implements it.
type MessageLookup interface {
	Message(conversationID, messageID string) (messaging.Message, bool)
}

// ChangeKind says what a Change affected.
type ChangeKind string

const (
	TypingChanged ChangeKind = "typing"
	SeenChanged   ChangeKind = "seen"
	TrackerReset  ChangeKind = "reset"
)

// Change is passed to observers after each mutation.
type Change struct {
	Kind           ChangeKind
	ConversationID string
}

// Config configures a Tracker.
type Config struct {
	Messages MessageLookup

	// TypingTTL overrides the default indicator lifetime.
	TypingTTL time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type typingEntry struct {
	timer      *clock.Timer
	generation uint64
}

type observer struct {
	id uint64
	fn func(Change)
}

// Tracker holds typing indicators and seen receipts.
type Tracker struct {
	messages MessageLookup
	ttl      time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	localUser  string
	typing     map[string]map[string]*typingEntry
	seen       map[string]map[string]string
	generation uint64
	observers  []observer
	nextID     uint64
}

// NewTracker creates an empty Tracker.
func NewTracker(config Config) *Tracker {
	if config.TypingTTL <= 0 {
		config.TypingTTL = TypingTTL
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Tracker{
		messages: config.Messages,
		ttl:      config.TypingTTL,
		clock:    config.Clock,
		logger:   config.Logger,
		metrics:  config.Metrics,
		typing:   make(map[string]map[string]*typingEntry),
		seen:     make(map[string]map[string]string),
	}
}

// SetLocalUser sets the signed-in user, whose own typing echoes are
// ignored and who is excluded from SeenBy.
func (t *Tracker) SetLocalUser(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localUser = userID
}

// SetTyping starts, refreshes, or stops userID's typing indicator.
func (t *Tracker) SetTyping(conversationID, userID string, typing bool) {
	t.mu.Lock()
	if userID == "" || userID == t.localUser {
		t.mu.Unlock()
		return
	}

	users := t.typing[conversationID]
	existing := users[userID]
	if existing != nil {
		existing.timer.Stop()
	}

	if !typing {
		if existing == nil {
			t.mu.Unlock()
			return
		}
		t.removeTypingLocked(conversationID, userID)
		count := t.typingCountLocked()
		t.mu.Unlock()
		t.metrics.SetTypingIndicators(count)
		t.notify(Change{Kind: TypingChanged, ConversationID: conversationID})
		return
	}

	if users == nil {
		users = make(map[string]*typingEntry)
		t.typing[conversationID] = users
	}
	t.generation++
	entry := &typingEntry{generation: t.generation}
	users[userID] = entry
	entry.timer = t.clock.AfterFunc(t.ttl, func() { t.expire(conversationID, userID, entry.generation) })
	count := t.typingCountLocked()
	t.mu.Unlock()

	t.metrics.SetTypingIndicators(count)
	if existing == nil {
		t.notify(Change{Kind: TypingChanged, ConversationID: conversationID})
	}
}

func (t *Tracker) expire(conversationID, userID string, generation uint64) {
	t.mu.Lock()
	entry := t.typing[conversationID][userID]
	if entry == nil || entry.generation != generation {
		t.mu.Unlock()
		return
	}
	t.removeTypingLocked(conversationID, userID)
	count := t.typingCountLocked()
	t.mu.Unlock()

	t.logger.Debug("typing indicator expired", "conversation_id", conversationID, "user_id", userID)
	t.metrics.SetTypingIndicators(count)
	t.notify(Change{Kind: TypingChanged, ConversationID: conversationID})
}

func (t *Tracker) removeTypingLocked(conversationID, userID string) {
	users := t.typing[conversationID]
	delete(users, userID)
	if len(users) == 0 {
		delete(t.typing, conversationID)
	}
}

func (t *Tracker) typingCountLocked() int {
	count := 0
	for _, users := range t.typing {
		count += len(users)
	}
	return count
}

// TypingUsers returns the users currently typing in a conversation,
// sorted.
func (t *Tracker) TypingUsers(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := make([]string, 0, len(t.typing[conversationID]))
	for userID := range t.typing[conversationID] {
		users = append(users, userID)
	}
	slices.Sort(users)
	return users
}

// TypingConversations returns the conversations with at least one
// typing user.
func (t *Tracker) TypingConversations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	conversations := make([]string, 0, len(t.typing))
	for conversationID := range t.typing {
		conversations = append(conversations, conversationID)
	}
	slices.Sort(conversations)
	return conversations
}

// RecordSeen stores userID's read position, replacing any earlier one.
func (t *Tracker) RecordSeen(conversationID, userID, lastReadMessageID string) {
	if userID == "" || lastReadMessageID == "" {
		return
	}
	t.mu.Lock()
	receipts := t.seen[conversationID]
	if receipts == nil {
		receipts = make(map[string]string)
		t.seen[conversationID] = receipts
	}
	if receipts[userID] == lastReadMessageID {
		t.mu.Unlock()
		return
	}
	receipts[userID] = lastReadMessageID
	t.mu.Unlock()

	t.notify(Change{Kind: SeenChanged, ConversationID: conversationID})
}

// LastRead returns userID's last read message id.
func (t *Tracker) LastRead(conversationID, userID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	messageID, ok := t.seen[conversationID][userID]
	return messageID, ok
}

// IsSeenBy reports whether userID has read messageID: true when the
// message was created no later than the message their receipt names.
// Without a receipt, or when either message is not in the local log,
// it is false.
func (t *Tracker) IsSeenBy(conversationID, messageID, userID string) bool {
	t.mu.Lock()
	lastRead, ok := t.seen[conversationID][userID]
	t.mu.Unlock()
	if !ok || t.messages == nil {
		return false
	}
	return t.covers(conversationID, messageID, lastRead)
}

func (t *Tracker) covers(conversationID, messageID, lastRead string) bool {
	if messageID == lastRead {
		_, ok := t.messages.Message(conversationID, messageID)
		return ok
	}
	target, ok := t.messages.Message(conversationID, messageID)
	if !ok {
		return false
	}
	receipt, ok := t.messages.Message(conversationID, lastRead)
	if !ok {
		return false
	}
	return !target.CreatedAt.After(receipt.CreatedAt)
}

// SeenBy returns the other users who have read messageID, sorted.
func (t *Tracker) SeenBy(conversationID, messageID string) []string {
	t.mu.Lock()
	localUser := t.localUser
	receipts := make(map[string]string, len(t.seen[conversationID]))
	for userID, lastRead := range t.seen[conversationID] {
		receipts[userID] = lastRead
	}
	t.mu.Unlock()

	var readers []string
	if t.messages == nil {
		return readers
	}
	for userID, lastRead := range receipts {
		if userID == localUser {
			continue
		}
		if t.covers(conversationID, messageID, lastRead) {
			readers = append(readers, userID)
		}
	}
	slices.Sort(readers)
	return readers
}

// Subscribe registers fn for every Change. The returned function
// unregisters it.
func (t *Tracker) Subscribe(fn func(Change)) (cancel func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.observers = append(t.observers, observer{id: id, fn: fn})
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.observers = slices.DeleteFunc(t.observers, func(o observer) bool { return o.id == id })
	}
}

func (t *Tracker) notify(change Change) {
	t.mu.Lock()
	observers := slices.Clone(t.observers)
	t.mu.Unlock()
	for _, observer := range observers {
		observer.fn(change)
	}
}

// Reset stops every typing timer and forgets all indicators, receipts,
// and the local user.
func (t *Tracker) Reset() {
	t.mu.Lock()
	for _, users := range t.typing {
		for _, entry := range users {
			entry.timer.Stop()
		}
	}
	t.typing = make(map[string]map[string]*typingEntry)
	t.seen = make(map[string]map[string]string)
	t.localUser = ""
	t.mu.Unlock()

	t.metrics.SetTypingIndicators(0)
	t.notify(Change{Kind: TrackerReset})
}
