// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"github.com/bureau-foundation/chatsync/events"
	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/realtime"
)

// handleFrame decodes one realtime frame and applies it. It runs on the
// connection's dispatch goroutine.
func (e *Engine) handleFrame(frame realtime.Frame) {
	event, err := events.Decode(frame.Topic, frame.Body)
	if err != nil {
		e.metrics.FrameDropped(metrics.DropDecode)
		e.logger.Warn("dropping undecodable event", "topic", frame.Topic, "error", err)
		return
	}

	switch event := event.(type) {
	case *events.NewMessage:
		e.store.ApplyNewMessage(event.Message)
		// A sent message ends the sender's typing indicator.
		e.presence.SetTyping(event.Message.ConversationID, event.Message.SenderID, false)
	case *events.MessageEdited:
		e.store.ApplyEdit(event.ConversationID, event.MessageID, event.Content, event.UpdatedAt)
	case *events.MessageDeleted:
		e.store.ApplyDelete(event.ConversationID, event.MessageID, event.UpdatedAt)
	case *events.ReactionsChanged:
		e.store.ApplyReaction(event.ConversationID, event.MessageID, event.Reactions)
	case *events.UnreadChanged:
		e.store.ApplyUnreadUpdate(event.ConversationID, event.Count)
	case *events.Seen:
		e.presence.RecordSeen(event.ConversationID, event.UserID, event.LastReadMessageID)
	case *events.Typing:
		e.presence.SetTyping(event.ConversationID, event.UserID, event.Typing)
	case *events.Membership:
		e.store.ApplyMembership(*event)
	default:
		e.logger.Debug("ignoring event", "topic", frame.Topic, "type", event)
	}
}
