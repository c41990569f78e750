// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package events

import "strings"

// Per-user queues.
const (
	TopicUnread         = "/user/queue/unread"
	TopicSeen           = "/user/queue/seen"
	TopicTyping         = "/user/queue/typing"
	TopicMessageUpdates = "/user/queue/message-updates"
	TopicGroupEvents    = "/user/queue/group-events"
	TopicReactions      = "/user/queue/reactions"
)

// Publish destinations.
const (
	DestinationTypingStart = "/app/typing/start"
	DestinationTypingStop  = "/app/typing/stop"
)

const conversationTopicPrefix = "/topic/conversation."

// UserQueues returns every per-user queue, in the order a session
// subscribes them.
func UserQueues() []string {
	return []string{
		TopicUnread,
		TopicSeen,
		TopicTyping,
		TopicMessageUpdates,
		TopicGroupEvents,
		TopicReactions,
	}
}

// ConversationTopic returns the topic carrying new messages for
// conversationID.
func ConversationTopic(conversationID string) string {
	return conversationTopicPrefix + conversationID
}

// ParseConversationTopic extracts the conversation id from a
// conversation topic.
func ParseConversationTopic(topic string) (string, bool) {
	id, found := strings.CutPrefix(topic, conversationTopicPrefix)
	if !found || id == "" {
		return "", false
	}
	return id, true
}

// TopicKind returns a short, bounded label for topic, suitable for a
// metric label: "conversation" for conversation topics, the queue
// name for user queues, "other" otherwise.
func TopicKind(topic string) string {
	if _, ok := ParseConversationTopic(topic); ok {
		return "conversation"
	}
	if name, found := strings.CutPrefix(topic, "/user/queue/"); found {
		switch topic {
		case TopicUnread, TopicSeen, TopicTyping, TopicMessageUpdates, TopicGroupEvents, TopicReactions:
			return name
		}
	}
	return "other"
}

// TypingPayload is the body published to the typing destinations.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
}
