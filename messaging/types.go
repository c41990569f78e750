// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// User is an account as returned by /users/me and the auth calls.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// AuthResult is the payload of login, register, and refresh.
type AuthResult struct {
	AccessToken string `json:"accessToken"`
	User        *User  `json:"user,omitempty"`
}

// RegisterRequest is the body of /auth/register.
type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Phone       string `json:"phone,omitempty"`
}

// ConversationType distinguishes one-to-one from group conversations.
type ConversationType string

const (
	Direct ConversationType = "DIRECT"
	Group  ConversationType = "GROUP"
)

// Member roles within a group.
const (
	RoleOwner  = "OWNER"
	RoleAdmin  = "ADMIN"
	RoleMember = "MEMBER"
)

// Member is one participant of a conversation.
type Member struct {
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	Role        string    `json:"role,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Conversation is a conversation summary.
type Conversation struct {
	ID                 string           `json:"id"`
	Type               ConversationType `json:"type"`
	Name               string           `json:"name,omitempty"`
	AvatarURL          string           `json:"avatarUrl,omitempty"`
	OwnerID            string           `json:"ownerId,omitempty"`
	Members            []Member         `json:"members"`
	UnreadCount        int              `json:"unreadCount"`
	LastMessageAt      time.Time        `json:"lastMessageAt"`
	LastMessageContent string           `json:"lastMessageContent,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
}

// Member returns the member with userID.
func (c *Conversation) Member(userID string) (Member, bool) {
	index := slices.IndexFunc(c.Members, func(m Member) bool { return m.UserID == userID })
	if index < 0 {
		return Member{}, false
	}
	return c.Members[index], true
}

// Clone returns a copy that shares no slices with c.
func (c Conversation) Clone() Conversation {
	c.Members = slices.Clone(c.Members)
	return c
}

// Message types.
const (
	MessageText  = "TEXT"
	MessageImage = "IMAGE"
	MessageVideo = "VIDEO"
	MessageFile  = "FILE"
)

// Message is a single chat message. Reactions maps participant id to
// reaction kind; a participant holds at most one reaction.
type Message struct {
	ID                string            `json:"id"`
	ConversationID    string            `json:"conversationId"`
	SenderID          string            `json:"senderId"`
	SenderUsername    string            `json:"senderUsername,omitempty"`
	SenderDisplayName string            `json:"senderDisplayName,omitempty"`
	SenderAvatarURL   string            `json:"senderAvatarUrl,omitempty"`
	Type              string            `json:"type"`
	Content           string            `json:"content"`
	MediaURL          string            `json:"mediaUrl,omitempty"`
	ReplyTo           string            `json:"replyTo,omitempty"`
	Reactions         map[string]string `json:"reactions,omitempty"`
	Deleted           bool              `json:"isDeleted"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// UnmarshalJSON accepts the deleted flag as either "isDeleted" or
// "deleted", and timestamps with or without a zone (zoneless values
// are UTC).
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var wire struct {
		plain
		CreatedAt     string `json:"createdAt"`
		UpdatedAt     string `json:"updatedAt"`
		LegacyDeleted *bool  `json:"deleted"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	createdAt, err := ParseTimestamp(wire.CreatedAt)
	if err != nil {
		return fmt.Errorf("message %s: createdAt: %w", wire.ID, err)
	}
	updatedAt, err := ParseTimestamp(wire.UpdatedAt)
	if err != nil {
		return fmt.Errorf("message %s: updatedAt: %w", wire.ID, err)
	}

	*m = Message(wire.plain)
	m.CreatedAt = createdAt
	m.UpdatedAt = updatedAt
	if wire.LegacyDeleted != nil && *wire.LegacyDeleted {
		m.Deleted = true
	}
	return nil
}

// Clone returns a copy that shares no map with m.
func (m Message) Clone() Message {
	if m.Reactions != nil {
		reactions := make(map[string]string, len(m.Reactions))
		for participant, kind := range m.Reactions {
			reactions[participant] = kind
		}
		m.Reactions = reactions
	}
	return m
}

// ReactionSummary is the aggregate view of one reaction kind.
type ReactionSummary struct {
	Kind         string
	Participants []string
}

// Aggregate groups reactions by kind. Kinds are ordered by descending
// count then name; participants are sorted.
func (m *Message) Aggregate() []ReactionSummary {
	byKind := make(map[string][]string)
	for participant, kind := range m.Reactions {
		byKind[kind] = append(byKind[kind], participant)
	}
	summaries := make([]ReactionSummary, 0, len(byKind))
	for kind, participants := range byKind {
		slices.Sort(participants)
		summaries = append(summaries, ReactionSummary{Kind: kind, Participants: participants})
	}
	slices.SortFunc(summaries, func(a, b ReactionSummary) int {
		if len(a.Participants) != len(b.Participants) {
			return len(b.Participants) - len(a.Participants)
		}
		if a.Kind < b.Kind {
			return -1
		}
		if a.Kind > b.Kind {
			return 1
		}
		return 0
	})
	return summaries
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp parses the server's timestamp strings. Empty is the
// zero time.
func ParseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	var firstErr error
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, value)
		if err == nil {
			return parsed, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
