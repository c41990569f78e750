// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"errors"
	"testing"
	"time"
)

func TestConversationTopic(t *testing.T) {
	topic := ConversationTopic("c1")
	if topic != "/topic/conversation.c1" {
		t.Fatalf("ConversationTopic = %q", topic)
	}
	id, ok := ParseConversationTopic(topic)
	if !ok || id != "c1" {
		t.Fatalf("ParseConversationTopic(%q) = %q, %v", topic, id, ok)
	}
	for _, topic := range []string{"/topic/conversation.", TopicUnread, "/topic/other.c1"} {
		if _, ok := ParseConversationTopic(topic); ok {
			t.Errorf("ParseConversationTopic(%q) accepted", topic)
		}
	}
}

func TestTopicKind(t *testing.T) {
	tests := map[string]string{
		ConversationTopic("abc"): "conversation",
		TopicUnread:              "unread",
		TopicMessageUpdates:      "message-updates",
		"/user/queue/unknown":    "other",
		"/elsewhere":             "other",
	}
	for topic, want := range tests {
		if got := TopicKind(topic); got != want {
			t.Errorf("TopicKind(%q) = %q, want %q", topic, got, want)
		}
	}
}

func TestDecodeNewMessage(t *testing.T) {
	t.Run("fills conversation from topic", func(t *testing.T) {
		event, err := Decode(ConversationTopic("c1"),
			[]byte(`{"id":"m1","senderId":"u1","content":"hi","createdAt":"2026-01-02T03:04:05"}`))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		message, ok := event.(*NewMessage)
		if !ok {
			t.Fatalf("event = %T, want *NewMessage", event)
		}
		if message.Conversation() != "c1" || message.Message.ID != "m1" || message.Message.Content != "hi" {
			t.Errorf("message = %+v", message.Message)
		}
		want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		if !message.Message.CreatedAt.Equal(want) {
			t.Errorf("CreatedAt = %v, want %v", message.Message.CreatedAt, want)
		}
	})

	t.Run("conversation mismatch", func(t *testing.T) {
		_, err := Decode(ConversationTopic("c1"), []byte(`{"id":"m1","conversationId":"c2"}`))
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("err = %v, want ErrMalformed", err)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := Decode(ConversationTopic("c1"), []byte(`{"content":"hi"}`))
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("err = %v, want ErrMalformed", err)
		}
	})
}

func TestDecodeMessageUpdate(t *testing.T) {
	t.Run("edit", func(t *testing.T) {
		event, err := Decode(TopicMessageUpdates, []byte(`{"action":"EDIT","messageId":"m1","conversationId":"c1",`+
			`"senderId":"u1","content":"fixed","updatedAt":"2026-01-02T03:04:05Z","isDeleted":false}`))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		edit, ok := event.(*MessageEdited)
		if !ok {
			t.Fatalf("event = %T, want *MessageEdited", event)
		}
		if edit.Content != "fixed" || edit.MessageID != "m1" || edit.UpdatedAt.IsZero() {
			t.Errorf("edit = %+v", edit)
		}
	})

	t.Run("delete", func(t *testing.T) {
		event, err := Decode(TopicMessageUpdates, []byte(`{"action":"DELETE","messageId":"m1","conversationId":"c1","isDeleted":true}`))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if _, ok := event.(*MessageDeleted); !ok {
			t.Fatalf("event = %T, want *MessageDeleted", event)
		}
	})

	t.Run("deleted flag wins", func(t *testing.T) {
		event, err := Decode(TopicMessageUpdates, []byte(`{"action":"edit","messageId":"m1","conversationId":"c1","isDeleted":true}`))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if _, ok := event.(*MessageDeleted); !ok {
			t.Fatalf("event = %T, want *MessageDeleted", event)
		}
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := Decode(TopicMessageUpdates, []byte(`{"action":"PIN","messageId":"m1","conversationId":"c1"}`))
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("err = %v, want ErrMalformed", err)
		}
	})

	t.Run("bad timestamp", func(t *testing.T) {
		_, err := Decode(TopicMessageUpdates, []byte(`{"action":"EDIT","messageId":"m1","conversationId":"c1","updatedAt":"yesterday"}`))
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("err = %v, want ErrMalformed", err)
		}
	})
}

func TestDecodeTyping(t *testing.T) {
	for _, payload := range []string{
		`{"conversationId":"c1","userId":"u2","isTyping":true}`,
		`{"conversationId":"c1","userId":"u2","typing":true}`,
	} {
		event, err := Decode(TopicTyping, []byte(payload))
		if err != nil {
			t.Fatalf("Decode(%s): %v", payload, err)
		}
		typing := event.(*Typing)
		if !typing.Typing || typing.UserID != "u2" || typing.Conversation() != "c1" {
			t.Errorf("Decode(%s) = %+v", payload, typing)
		}
	}

	_, err := Decode(TopicTyping, []byte(`{"conversationId":"c1","userId":"u2"}`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("missing flag: err = %v, want ErrMalformed", err)
	}
}

func TestDecodeUnread(t *testing.T) {
	event, err := Decode(TopicUnread, []byte(`{"conversationId":"c1","unreadCount":0}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if unread := event.(*UnreadChanged); unread.Count != 0 || unread.ConversationID != "c1" {
		t.Errorf("unread = %+v", unread)
	}

	for _, payload := range []string{
		`{"conversationId":"c1"}`,
		`{"unreadCount":3}`,
		`{"conversationId":"c1","unreadCount":-1}`,
		`{"conversationId":"c1","unreadCount":"many"}`,
	} {
		if _, err := Decode(TopicUnread, []byte(payload)); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%s) err = %v, want ErrMalformed", payload, err)
		}
	}
}

func TestDecodeSeenAndReaction(t *testing.T) {
	event, err := Decode(TopicSeen, []byte(`{"conversationId":"c1","userId":"u2","lastReadMessageId":"m2"}`))
	if err != nil {
		t.Fatalf("Decode seen: %v", err)
	}
	if seen := event.(*Seen); seen.LastReadMessageID != "m2" || seen.UserID != "u2" {
		t.Errorf("seen = %+v", seen)
	}
	if _, err := Decode(TopicSeen, []byte(`{"conversationId":"c1","userId":"u2"}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("seen without message: err = %v", err)
	}

	event, err = Decode(TopicReactions, []byte(`{"messageId":"m1","conversationId":"c1","userId":"u2",`+
		`"reactionType":"LIKE","added":false}`))
	if err != nil {
		t.Fatalf("Decode reaction: %v", err)
	}
	reaction := event.(*ReactionsChanged)
	if reaction.Reactions == nil || len(reaction.Reactions) != 0 {
		t.Errorf("missing allReactions should decode as an empty map, got %#v", reaction.Reactions)
	}
}

func TestDecodeMembership(t *testing.T) {
	event, err := Decode(TopicGroupEvents, []byte(`{"eventType":"ROLE_CHANGED","conversationId":"g1",`+
		`"actorId":"u1","targetUserId":"u2","previousRole":"MEMBER","newRole":"ADMIN"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	membership := event.(*Membership)
	if membership.Change != RoleChanged || membership.NewRole != "ADMIN" {
		t.Errorf("membership = %+v", membership)
	}

	if _, err := Decode(TopicGroupEvents, []byte(`{"eventType":"GROUP_INFO_UPDATED","conversationId":"g1","groupName":"x"}`)); err != nil {
		t.Errorf("info update without target: %v", err)
	}
	for _, payload := range []string{
		`{"eventType":"MEMBER_KICKED","conversationId":"g1"}`,
		`{"eventType":"EXPLODED","conversationId":"g1"}`,
		`{"conversationId":"g1"}`,
	} {
		if _, err := Decode(TopicGroupEvents, []byte(payload)); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%s) err = %v, want ErrMalformed", payload, err)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode("/user/queue/nothing", []byte(`{}`)); !errors.Is(err, ErrUnknownTopic) {
		t.Errorf("unknown topic: err = %v", err)
	}
	if _, err := Decode(TopicSeen, []byte(`not json`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("invalid JSON: err = %v", err)
	}
}
