// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bureau-foundation/chatsync"
	"github.com/bureau-foundation/chatsync/messaging"
	"github.com/bureau-foundation/chatsync/presence"
	"github.com/bureau-foundation/chatsync/realtime"
	"github.com/bureau-foundation/chatsync/reconcile"
)

// conversationTitle is the group name, or the other members of a
// direct conversation.
func conversationTitle(conversation messaging.Conversation, localUserID string) string {
	if conversation.Name != "" {
		return conversation.Name
	}
	var names []string
	for _, member := range conversation.Members {
		if member.UserID == localUserID {
			continue
		}
		name := member.DisplayName
		if name == "" {
			name = member.Username
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return conversation.ID
	}
	return strings.Join(names, ", ")
}

func writeConversations(writer io.Writer, conversations []messaging.Conversation, localUserID string, now time.Time) {
	if len(conversations) == 0 {
		fmt.Fprintln(writer, "no conversations")
		return
	}
	for _, conversation := range conversations {
		unread := ""
		if conversation.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", conversation.UnreadCount)
		}
		when := "never"
		if !conversation.LastMessageAt.IsZero() {
			when = humanize.RelTime(conversation.LastMessageAt, now, "ago", "from now")
		}
		fmt.Fprintf(writer, "%s  %s%s  %s\n", conversation.ID, conversationTitle(conversation, localUserID), unread, when)
		if conversation.LastMessageContent != "" {
			fmt.Fprintf(writer, "    %s\n", conversation.LastMessageContent)
		}
	}
}

func formatMessage(message messaging.Message, now time.Time) string {
	sender := message.SenderDisplayName
	if sender == "" {
		sender = message.SenderUsername
	}
	if sender == "" {
		sender = message.SenderID
	}
	content := message.Content
	switch {
	case message.Deleted:
		content = "(deleted)"
	case message.Type != "" && message.Type != messaging.MessageText:
		content = fmt.Sprintf("[%s] %s", strings.ToLower(message.Type), message.MediaURL)
	}
	line := fmt.Sprintf("[%s] %s: %s", humanize.RelTime(message.CreatedAt, now, "ago", "from now"), sender, content)
	if !message.Deleted && message.UpdatedAt.After(message.CreatedAt) {
		line += " (edited)"
	}
	for _, summary := range message.Aggregate() {
		line += fmt.Sprintf(" %s×%d", summary.Kind, len(summary.Participants))
	}
	return line
}

func writeMessages(writer io.Writer, messages []messaging.Message, now time.Time) {
	for _, message := range messages {
		fmt.Fprintln(writer, formatMessage(message, now))
	}
}

// followPrinter turns store, presence, and connection changes into
// lines of output. Observers fire on several goroutines, so writes are
// serialized.
type followPrinter struct {
	engine *chatsync.Engine
	now    func() time.Time

	mu     sync.Mutex
	writer io.Writer
}

func (p *followPrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.writer, format+"\n", args...)
}

func (p *followPrinter) storeChanged(change reconcile.Change) {
	store := p.engine.Store()
	switch change.Kind {
	case reconcile.ConversationsReplaced:
		p.printf("%d conversations", len(store.Conversations()))
	case reconcile.MessageAdded, reconcile.MessageEdited, reconcile.MessageDeleted, reconcile.ReactionsChanged:
		message, ok := store.Message(change.ConversationID, change.MessageID)
		if !ok {
			return
		}
		p.printf("%s %s", change.ConversationID, formatMessage(message, p.now()))
	case reconcile.UnreadChanged:
		if conversation, ok := store.Conversation(change.ConversationID); ok {
			p.printf("%s unread: %d", change.ConversationID, conversation.UnreadCount)
		}
	case reconcile.MembershipChanged:
		if conversation, ok := store.Conversation(change.ConversationID); ok {
			p.printf("%s members: %d (%s)", change.ConversationID, len(conversation.Members),
				conversationTitle(conversation, p.localUserID()))
		}
	}
}

func (p *followPrinter) presenceChanged(change presence.Change) {
	tracker := p.engine.Presence()
	switch change.Kind {
	case presence.TypingChanged:
		users := tracker.TypingUsers(change.ConversationID)
		if len(users) == 0 {
			p.printf("%s nobody typing", change.ConversationID)
			return
		}
		p.printf("%s typing: %s", change.ConversationID, strings.Join(users, ", "))
	case presence.SeenChanged:
		messages := p.engine.Store().Messages(change.ConversationID)
		if len(messages) == 0 {
			return
		}
		last := messages[len(messages)-1]
		if seenBy := tracker.SeenBy(change.ConversationID, last.ID); len(seenBy) > 0 {
			p.printf("%s seen by %s", change.ConversationID, strings.Join(seenBy, ", "))
		}
	}
}

func (p *followPrinter) connectionChanged(state realtime.State) {
	p.printf("connection %s", state)
}

func (p *followPrinter) localUserID() string {
	if user := p.engine.User(); user != nil {
		return user.ID
	}
	return ""
}

// follow prints activity until ctx is done or the session ends.
func follow(ctx context.Context, engine *chatsync.Engine, writer io.Writer, logger *slog.Logger) error {
	printer := &followPrinter{engine: engine, now: nowFunc, writer: writer}
	writeConversations(writer, engine.Store().Conversations(), printer.localUserID(), nowFunc())

	expired := make(chan struct{})
	var once sync.Once
	stops := []func(){
		engine.Store().Subscribe(printer.storeChanged),
		engine.Presence().Subscribe(printer.presenceChanged),
		engine.Connection().OnStatus(printer.connectionChanged),
		engine.Session().OnExpired(func() { once.Do(func() { close(expired) }) }),
	}
	defer func() {
		for _, stop := range stops {
			stop()
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("stopping")
		return nil
	case <-expired:
		return fmt.Errorf("session expired; sign in again")
	}
}
