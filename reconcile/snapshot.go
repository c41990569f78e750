// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"time"

	"github.com/bureau-foundation/chatsync/messaging"
)

// Snapshot is the persistable content of a Store.
type Snapshot struct {
	UserID        string                         `json:"userId"`
	TakenAt       time.Time                      `json:"takenAt"`
	Conversations []messaging.Conversation       `json:"conversations"`
	Messages      map[string][]messaging.Message `json:"messages"`
}

// MessageCount is the total number of messages across all logs.
func (s *Snapshot) MessageCount() int {
	total := 0
	for _, messages := range s.Messages {
		total += len(messages)
	}
	return total
}

// Snapshot copies the Store's conversations and message logs.
func (s *Store) Snapshot(takenAt time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := Snapshot{
		UserID:        s.localUser,
		TakenAt:       takenAt,
		Conversations: make([]messaging.Conversation, 0, len(s.order)),
		Messages:      make(map[string][]messaging.Message, len(s.logs)),
	}
	for _, id := range s.order {
		snapshot.Conversations = append(snapshot.Conversations, s.conversations[id].Clone())
	}
	for id, log := range s.logs {
		if len(log.messages) == 0 {
			continue
		}
		messages := make([]messaging.Message, len(log.messages))
		for i, message := range log.messages {
			messages[i] = message.Clone()
		}
		snapshot.Messages[id] = messages
	}
	return snapshot
}

// Restore replaces the Store's content with snapshot. Message logs are
// merged in so duplicate or unsorted entries in the snapshot are
// normalized.
func (s *Store) Restore(snapshot Snapshot) {
	s.mu.Lock()
	s.epoch++
	s.order = nil
	s.conversations = make(map[string]*messaging.Conversation, len(snapshot.Conversations))
	s.logs = make(map[string]*messageLog, len(snapshot.Messages))
	for _, conversation := range snapshot.Conversations {
		if _, duplicate := s.conversations[conversation.ID]; duplicate {
			continue
		}
		copied := conversation.Clone()
		s.conversations[conversation.ID] = &copied
		s.order = append(s.order, conversation.ID)
	}
	for id, messages := range snapshot.Messages {
		s.logLocked(id).merge(messages)
	}
	s.mu.Unlock()

	s.logger.Info("conversation cache restored",
		"conversations", len(snapshot.Conversations),
		"messages", snapshot.MessageCount(),
		"taken_at", snapshot.TakenAt,
	)
	s.notify(Change{Kind: ConversationsReplaced})
}
