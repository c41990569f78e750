// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"fmt"
	"testing"
	"time"

	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/testutil"
	"github.com/bureau-foundation/chatsync/messaging"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// messageLog is a MessageLookup over a fixed set of messages.
type messageLog map[string]messaging.Message

func (l messageLog) Message(conversationID, messageID string) (messaging.Message, bool) {
	message, ok := l[conversationID+"/"+messageID]
	return message, ok
}

func logOf(conversationID string, count int) messageLog {
	log := make(messageLog)
	for n := 1; n <= count; n++ {
		id := fmt.Sprintf("msg%d", n)
		log[conversationID+"/"+id] = messaging.Message{
			ID:             id,
			ConversationID: conversationID,
			CreatedAt:      epoch.Add(time.Duration(n) * time.Minute),
		}
	}
	return log
}

func newTracker(t *testing.T, messages MessageLookup) (*Tracker, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(epoch)
	logger, _ := testutil.Logger()
	return NewTracker(Config{Messages: messages, Clock: fake, Logger: logger}), fake
}

func TestTypingExpires(t *testing.T) {
	tracker, fake := newTracker(t, nil)

	tracker.SetTyping("c1", "alice", true)
	if got := tracker.TypingUsers("c1"); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("TypingUsers = %v, want [alice]", got)
	}

	fake.Advance(TypingTTL - time.Millisecond)
	if got := tracker.TypingUsers("c1"); len(got) != 1 {
		t.Fatalf("indicator gone before the TTL: %v", got)
	}
	fake.Advance(time.Millisecond)
	if got := tracker.TypingUsers("c1"); len(got) != 0 {
		t.Fatalf("TypingUsers after TTL = %v, want none", got)
	}
	if got := tracker.TypingConversations(); len(got) != 0 {
		t.Fatalf("conversation key kept after last indicator expired: %v", got)
	}
}

func TestTypingRefreshExtends(t *testing.T) {
	tracker, fake := newTracker(t, nil)

	tracker.SetTyping("c1", "alice", true)
	fake.Advance(4 * time.Second)
	tracker.SetTyping("c1", "alice", true)
	fake.Advance(4 * time.Second)
	if got := tracker.TypingUsers("c1"); len(got) != 1 {
		t.Fatalf("refreshed indicator expired early: %v", got)
	}
	if pending := fake.PendingCount(); pending != 1 {
		t.Fatalf("pending timers = %d, want the superseded one stopped", pending)
	}
	fake.Advance(time.Second)
	if got := tracker.TypingUsers("c1"); len(got) != 0 {
		t.Fatalf("TypingUsers = %v after refreshed TTL", got)
	}
}

func TestTypingStop(t *testing.T) {
	tracker, fake := newTracker(t, nil)
	changes := 0
	tracker.Subscribe(func(change Change) {
		if change.Kind == TypingChanged {
			changes++
		}
	})

	tracker.SetTyping("c1", "alice", true)
	tracker.SetTyping("c1", "bob", true)
	tracker.SetTyping("c1", "alice", false)
	if got := tracker.TypingUsers("c1"); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("TypingUsers = %v, want [bob]", got)
	}
	tracker.SetTyping("c1", "carol", false)
	if changes != 3 {
		t.Fatalf("typing changes = %d, want 3", changes)
	}
	if pending := fake.PendingCount(); pending != 1 {
		t.Fatalf("pending timers = %d, want 1", pending)
	}
}

func TestLocalUserTypingIgnored(t *testing.T) {
	tracker, _ := newTracker(t, nil)
	tracker.SetLocalUser("me")
	tracker.SetTyping("c1", "me", true)
	if got := tracker.TypingUsers("c1"); len(got) != 0 {
		t.Fatalf("local user's echo recorded: %v", got)
	}
}

func TestSeen(t *testing.T) {
	tracker, _ := newTracker(t, logOf("c1", 3))
	tracker.SetLocalUser("me")
	tracker.RecordSeen("c1", "userA", "msg2")

	cases := []struct {
		message string
		want    bool
	}{
		{"msg1", true},
		{"msg2", true},
		{"msg3", false},
		{"missing", false},
	}
	for _, tc := range cases {
		if got := tracker.IsSeenBy("c1", tc.message, "userA"); got != tc.want {
			t.Errorf("IsSeenBy(%s, userA) = %v, want %v", tc.message, got, tc.want)
		}
	}
	if tracker.IsSeenBy("c1", "msg1", "userB") {
		t.Error("IsSeenBy true for a user with no receipt")
	}

	tracker.RecordSeen("c1", "userA", "msg3")
	if !tracker.IsSeenBy("c1", "msg3", "userA") {
		t.Error("later receipt did not replace the earlier one")
	}
}

func TestSeenReceiptForUnknownMessage(t *testing.T) {
	tracker, _ := newTracker(t, logOf("c1", 3))
	tracker.RecordSeen("c1", "userA", "msg9")
	if tracker.IsSeenBy("c1", "msg1", "userA") {
		t.Fatal("receipt naming a message outside the log counted as seen")
	}
}

func TestSeenByExcludesLocalUser(t *testing.T) {
	tracker, _ := newTracker(t, logOf("c1", 3))
	tracker.SetLocalUser("me")
	tracker.RecordSeen("c1", "me", "msg3")
	tracker.RecordSeen("c1", "userB", "msg3")
	tracker.RecordSeen("c1", "userA", "msg2")

	if got := fmt.Sprint(tracker.SeenBy("c1", "msg2")); got != "[userA userB]" {
		t.Fatalf("SeenBy(msg2) = %s", got)
	}
	if got := fmt.Sprint(tracker.SeenBy("c1", "msg3")); got != "[userB]" {
		t.Fatalf("SeenBy(msg3) = %s", got)
	}
}

func TestReset(t *testing.T) {
	tracker, fake := newTracker(t, logOf("c1", 3))
	tracker.SetTyping("c1", "alice", true)
	tracker.RecordSeen("c1", "alice", "msg3")

	tracker.Reset()
	if fake.PendingCount() != 0 {
		t.Fatal("typing timer still pending after Reset")
	}
	if len(tracker.TypingUsers("c1")) != 0 || tracker.IsSeenBy("c1", "msg1", "alice") {
		t.Fatal("state survived Reset")
	}
}
