// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bureau-foundation/chatsync/messaging"
)

var (
	// ErrMalformed is wrapped by every Decode error caused by the
	// payload itself.
	ErrMalformed = errors.New("events: malformed payload")

	// ErrUnknownTopic is returned by Decode for a topic with no
	// known schema.
	ErrUnknownTopic = errors.New("events: unknown topic")
)

// Event is one decoded realtime event. The concrete types are
// *NewMessage, *MessageEdited, *MessageDeleted, *ReactionsChanged,
// *UnreadChanged, *Seen, *Typing, and *Membership.
type Event interface {
	// Conversation returns the conversation the event belongs to.
	Conversation() string

	event()
}

// NewMessage is a message appended to a conversation.
type NewMessage struct {
	Message messaging.Message
}

// MessageEdited replaces a message's content.
type MessageEdited struct {
	ConversationID string
	MessageID      string
	SenderID       string
	Content        string
	UpdatedAt      time.Time
}

// MessageDeleted marks a message deleted.
type MessageDeleted struct {
	ConversationID string
	MessageID      string
	SenderID       string
	UpdatedAt      time.Time
}

// ReactionsChanged carries the full reaction map of a message after
// one participant's toggle.
type ReactionsChanged struct {
	ConversationID string
	MessageID      string
	UserID         string
	Kind           string
	Added          bool
	Reactions      map[string]string
}

// UnreadChanged is the server's unread count for a conversation.
type UnreadChanged struct {
	ConversationID string
	Count          int
}

// Seen reports the last message a user has read.
type Seen struct {
	ConversationID    string
	UserID            string
	LastReadMessageID string
}

// Typing reports that a user started or stopped typing.
type Typing struct {
	ConversationID string
	UserID         string
	Typing         bool
}

// MembershipChange is the kind of a group event.
type MembershipChange string

const (
	MemberLeft           MembershipChange = "MEMBER_LEFT"
	MemberKicked         MembershipChange = "MEMBER_KICKED"
	RoleChanged          MembershipChange = "ROLE_CHANGED"
	OwnershipTransferred MembershipChange = "OWNERSHIP_TRANSFERRED"
	GroupInfoUpdated     MembershipChange = "GROUP_INFO_UPDATED"
)

// Membership is a change to a group's members or metadata.
type Membership struct {
	Change         MembershipChange
	ConversationID string
	ActorID        string
	TargetUserID   string
	PreviousRole   string
	NewRole        string
	GroupName      string
	GroupAvatarURL string
}

func (e *NewMessage) Conversation() string       { return e.Message.ConversationID }
func (e *MessageEdited) Conversation() string    { return e.ConversationID }
func (e *MessageDeleted) Conversation() string   { return e.ConversationID }
func (e *ReactionsChanged) Conversation() string { return e.ConversationID }
func (e *UnreadChanged) Conversation() string    { return e.ConversationID }
func (e *Seen) Conversation() string             { return e.ConversationID }
func (e *Typing) Conversation() string           { return e.ConversationID }
func (e *Membership) Conversation() string       { return e.ConversationID }

func (*NewMessage) event()       {}
func (*MessageEdited) event()    {}
func (*MessageDeleted) event()   {}
func (*ReactionsChanged) event() {}
func (*UnreadChanged) event()    {}
func (*Seen) event()             {}
func (*Typing) event()           {}
func (*Membership) event()       {}

// Decode parses payload according to the schema of topic.
func Decode(topic string, payload []byte) (Event, error) {
	if conversationID, ok := ParseConversationTopic(topic); ok {
		return decodeNewMessage(conversationID, payload)
	}
	switch topic {
	case TopicUnread:
		return decodeUnread(payload)
	case TopicSeen:
		return decodeSeen(payload)
	case TopicTyping:
		return decodeTyping(payload)
	case TopicMessageUpdates:
		return decodeMessageUpdate(payload)
	case TopicReactions:
		return decodeReaction(payload)
	case TopicGroupEvents:
		return decodeMembership(payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func unmarshal(kind string, payload []byte, target any) error {
	if err := json.Unmarshal(payload, target); err != nil {
		return malformed("%s: %v", kind, err)
	}
	return nil
}

// require returns an error naming the first empty field. Pairs are
// (name, value).
func require(kind string, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return malformed("%s: missing %s", kind, pairs[i])
		}
	}
	return nil
}

func decodeNewMessage(conversationID string, payload []byte) (Event, error) {
	var message messaging.Message
	if err := unmarshal("message", payload, &message); err != nil {
		return nil, err
	}
	if err := require("message", "id", message.ID); err != nil {
		return nil, err
	}
	switch message.ConversationID {
	case "":
		message.ConversationID = conversationID
	case conversationID:
	default:
		return nil, malformed("message %s: conversation %s delivered on topic for %s",
			message.ID, message.ConversationID, conversationID)
	}
	return &NewMessage{Message: message}, nil
}

func decodeUnread(payload []byte) (Event, error) {
	var wire struct {
		ConversationID string `json:"conversationId"`
		UnreadCount    *int   `json:"unreadCount"`
	}
	if err := unmarshal("unread", payload, &wire); err != nil {
		return nil, err
	}
	if err := require("unread", "conversationId", wire.ConversationID); err != nil {
		return nil, err
	}
	if wire.UnreadCount == nil {
		return nil, malformed("unread: missing unreadCount")
	}
	if *wire.UnreadCount < 0 {
		return nil, malformed("unread: negative unreadCount %d", *wire.UnreadCount)
	}
	return &UnreadChanged{ConversationID: wire.ConversationID, Count: *wire.UnreadCount}, nil
}

func decodeSeen(payload []byte) (Event, error) {
	var wire struct {
		ConversationID    string `json:"conversationId"`
		UserID            string `json:"userId"`
		LastReadMessageID string `json:"lastReadMessageId"`
	}
	if err := unmarshal("seen", payload, &wire); err != nil {
		return nil, err
	}
	if err := require("seen",
		"conversationId", wire.ConversationID,
		"userId", wire.UserID,
		"lastReadMessageId", wire.LastReadMessageID,
	); err != nil {
		return nil, err
	}
	return &Seen{
		ConversationID:    wire.ConversationID,
		UserID:            wire.UserID,
		LastReadMessageID: wire.LastReadMessageID,
	}, nil
}

// decodeTyping accepts the flag as "isTyping" or "typing"; servers
// serializing the boolean property differ on the name.
func decodeTyping(payload []byte) (Event, error) {
	var wire struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
		IsTyping       *bool  `json:"isTyping"`
		Typing         *bool  `json:"typing"`
	}
	if err := unmarshal("typing", payload, &wire); err != nil {
		return nil, err
	}
	if err := require("typing", "conversationId", wire.ConversationID, "userId", wire.UserID); err != nil {
		return nil, err
	}
	flag := wire.IsTyping
	if flag == nil {
		flag = wire.Typing
	}
	if flag == nil {
		return nil, malformed("typing: missing isTyping")
	}
	return &Typing{ConversationID: wire.ConversationID, UserID: wire.UserID, Typing: *flag}, nil
}

// Message update actions.
const (
	ActionEdit   = "EDIT"
	ActionDelete = "DELETE"
)

func decodeMessageUpdate(payload []byte) (Event, error) {
	var wire struct {
		Action         string `json:"action"`
		MessageID      string `json:"messageId"`
		ConversationID string `json:"conversationId"`
		SenderID       string `json:"senderId"`
		Content        string `json:"content"`
		UpdatedAt      string `json:"updatedAt"`
		IsDeleted      *bool  `json:"isDeleted"`
	}
	if err := unmarshal("message update", payload, &wire); err != nil {
		return nil, err
	}
	if err := require("message update", "conversationId", wire.ConversationID, "messageId", wire.MessageID); err != nil {
		return nil, err
	}
	updatedAt, err := messaging.ParseTimestamp(wire.UpdatedAt)
	if err != nil {
		return nil, malformed("message update %s: updatedAt: %v", wire.MessageID, err)
	}

	deleted := wire.IsDeleted != nil && *wire.IsDeleted
	switch action := strings.ToUpper(wire.Action); {
	case action == ActionDelete || deleted:
		return &MessageDeleted{
			ConversationID: wire.ConversationID,
			MessageID:      wire.MessageID,
			SenderID:       wire.SenderID,
			UpdatedAt:      updatedAt,
		}, nil
	case action == ActionEdit:
		return &MessageEdited{
			ConversationID: wire.ConversationID,
			MessageID:      wire.MessageID,
			SenderID:       wire.SenderID,
			Content:        wire.Content,
			UpdatedAt:      updatedAt,
		}, nil
	default:
		return nil, malformed("message update %s: unknown action %q", wire.MessageID, wire.Action)
	}
}

func decodeReaction(payload []byte) (Event, error) {
	var wire struct {
		MessageID      string            `json:"messageId"`
		ConversationID string            `json:"conversationId"`
		UserID         string            `json:"userId"`
		ReactionType   string            `json:"reactionType"`
		Added          bool              `json:"added"`
		AllReactions   map[string]string `json:"allReactions"`
	}
	if err := unmarshal("reaction", payload, &wire); err != nil {
		return nil, err
	}
	if err := require("reaction", "conversationId", wire.ConversationID, "messageId", wire.MessageID); err != nil {
		return nil, err
	}
	reactions := wire.AllReactions
	if reactions == nil {
		reactions = map[string]string{}
	}
	return &ReactionsChanged{
		ConversationID: wire.ConversationID,
		MessageID:      wire.MessageID,
		UserID:         wire.UserID,
		Kind:           wire.ReactionType,
		Added:          wire.Added,
		Reactions:      reactions,
	}, nil
}

func decodeMembership(payload []byte) (Event, error) {
	var wire struct {
		EventType      string `json:"eventType"`
		ConversationID string `json:"conversationId"`
		ActorID        string `json:"actorId"`
		TargetUserID   string `json:"targetUserId"`
		PreviousRole   string `json:"previousRole"`
		NewRole        string `json:"newRole"`
		GroupName      string `json:"groupName"`
		GroupAvatarURL string `json:"groupAvatarUrl"`
	}
	if err := unmarshal("group event", payload, &wire); err != nil {
		return nil, err
	}
	if err := require("group event", "conversationId", wire.ConversationID, "eventType", wire.EventType); err != nil {
		return nil, err
	}

	change := MembershipChange(wire.EventType)
	switch change {
	case MemberLeft, MemberKicked, RoleChanged, OwnershipTransferred:
		if wire.TargetUserID == "" {
			return nil, malformed("group event %s: missing targetUserId", change)
		}
	case GroupInfoUpdated:
	default:
		return nil, malformed("group event: unknown eventType %q", wire.EventType)
	}
	return &Membership{
		Change:         change,
		ConversationID: wire.ConversationID,
		ActorID:        wire.ActorID,
		TargetUserID:   wire.TargetUserID,
		PreviousRole:   wire.PreviousRole,
		NewRole:        wire.NewRole,
		GroupName:      wire.GroupName,
		GroupAvatarURL: wire.GroupAvatarURL,
	}, nil
}
