// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/bureau-foundation/chatsync/lib/testutil"
	"github.com/bureau-foundation/chatsync/session"
)

func writeEnvelope(t *testing.T, writer http.ResponseWriter, status int, data any) {
	t.Helper()
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(map[string]any{"status": "success", "data": data})
}

func writeError(writer http.ResponseWriter, status int, code, message string) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(map[string]any{"status": "error", "code": code, "message": message})
}

func newTestClient(t *testing.T, server *httptest.Server, httpClient *http.Client) *Client {
	t.Helper()
	logger, _ := testutil.Logger()
	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/api/", HTTPClient: httpClient, Logger: logger})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClient(t *testing.T) {
	t.Run("valid URL", func(t *testing.T) {
		if _, err := NewClient(ClientConfig{BaseURL: "http://localhost:8080/api"}); err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
	})
	t.Run("empty URL", func(t *testing.T) {
		if _, err := NewClient(ClientConfig{}); err == nil {
			t.Fatal("expected error for empty URL")
		}
	})
	t.Run("websocket scheme", func(t *testing.T) {
		if _, err := NewClient(ClientConfig{BaseURL: "ws://localhost/ws"}); err == nil {
			t.Fatal("expected error for ws scheme")
		}
	})
	t.Run("jar installed without mutating caller client", func(t *testing.T) {
		given := &http.Client{}
		client, err := NewClient(ClientConfig{BaseURL: "http://localhost/api", HTTPClient: given})
		if err != nil {
			t.Fatal(err)
		}
		if given.Jar != nil {
			t.Fatal("caller's client was modified")
		}
		if client.httpClient.Jar == nil {
			t.Fatal("client has no cookie jar")
		}
	})
}

func TestLoginAndRefreshUseCookie(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch request.URL.Path {
		case "/api/auth/login":
			var body map[string]string
			json.NewDecoder(request.Body).Decode(&body)
			if body["username"] != "alice" || body["password"] != "hunter2" {
				writeError(writer, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid username or password")
				return
			}
			http.SetCookie(writer, &http.Cookie{Name: "refreshToken", Value: "r1", Path: "/", HttpOnly: true})
			writeEnvelope(t, writer, http.StatusOK, map[string]any{
				"accessToken": "a1",
				"user":        map[string]any{"id": "u1", "username": "alice", "displayName": "Alice"},
			})
		case "/api/auth/refresh":
			cookie, err := request.Cookie("refreshToken")
			if err != nil || cookie.Value != "r1" {
				writeError(writer, http.StatusUnauthorized, CodeRefreshTokenMissing, "Refresh token is missing")
				return
			}
			writeEnvelope(t, writer, http.StatusOK, map[string]any{"accessToken": "a2"})
		default:
			http.NotFound(writer, request)
		}
	}))
	defer server.Close()
	client := newTestClient(t, server, nil)
	ctx := context.Background()

	if _, err := client.Refresh(ctx); !IsErrorCode(err, CodeRefreshTokenMissing) {
		t.Fatalf("Refresh before login = %v, want %s", err, CodeRefreshTokenMissing)
	}

	_, err := client.Login(ctx, "alice", "wrong")
	var serverErr *Error
	if !errors.As(err, &serverErr) {
		t.Fatalf("Login with bad password = %v, want *Error", err)
	}
	if serverErr.Message != "Invalid username or password" || serverErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("server error = %+v", serverErr)
	}

	result, err := client.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.AccessToken != "a1" || result.User == nil || result.User.ID != "u1" {
		t.Fatalf("Login result = %+v", result)
	}

	token, err := client.Refresh(ctx)
	if err != nil || token != "a2" {
		t.Fatalf("Refresh = %q, %v", token, err)
	}
}

func TestFetchMessagesQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		query := request.URL.Query()
		if request.URL.Path != "/api/messages" || query.Get("conversationId") != "c1" ||
			query.Get("page") != "2" || query.Get("size") != "50" {
			t.Errorf("unexpected request %s", request.URL)
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.Write([]byte(`{"status":"success","data":[
			{"id":"m2","conversationId":"c1","senderId":"u2","type":"TEXT","content":"",
			 "deleted":true,"createdAt":"2026-01-01T10:00:01.5Z","updatedAt":"2026-01-01T10:05:00Z"},
			{"id":"m1","conversationId":"c1","senderId":"u1","type":"TEXT","content":"hi",
			 "reactions":{"u2":"LIKE","u3":"LIKE","u4":"LOVE"},"isDeleted":false,
			 "createdAt":"2026-01-01T10:00:00","updatedAt":null}]}`))
	}))
	defer server.Close()
	client := newTestClient(t, server, nil)

	messages, err := client.FetchMessages(context.Background(), "c1", 2, 0)
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages", len(messages))
	}
	if !messages[0].Deleted {
		t.Error("legacy deleted flag not honored")
	}
	if messages[1].Deleted {
		t.Error("isDeleted=false decoded as deleted")
	}
	if messages[1].CreatedAt.IsZero() || !messages[1].CreatedAt.Before(messages[0].CreatedAt) {
		t.Errorf("timestamps = %v, %v", messages[1].CreatedAt, messages[0].CreatedAt)
	}
	if !messages[1].UpdatedAt.IsZero() {
		t.Errorf("null updatedAt decoded as %v", messages[1].UpdatedAt)
	}

	summary := messages[1].Aggregate()
	if len(summary) != 2 || summary[0].Kind != "LIKE" || len(summary[0].Participants) != 2 ||
		summary[0].Participants[0] != "u2" || summary[1].Kind != "LOVE" {
		t.Fatalf("Aggregate() = %+v", summary)
	}
}

func TestErrorEnvelopeWithSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writeError(writer, http.StatusOK, CodeConversationNotFound, "Conversation not found")
	}))
	defer server.Close()
	client := newTestClient(t, server, nil)

	err := client.MarkConversationAsRead(context.Background(), "missing")
	if !IsErrorCode(err, CodeConversationNotFound) {
		t.Fatalf("MarkConversationAsRead = %v", err)
	}
}

func TestNonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusBadGateway)
		writer.Write([]byte("<html>bad gateway</html>"))
	}))
	defer server.Close()
	client := newTestClient(t, server, nil)

	_, err := client.FetchConversations(context.Background())
	if StatusCode(err) != http.StatusBadGateway {
		t.Fatalf("StatusCode = %d, err = %v", StatusCode(err), err)
	}
	var serverErr *Error
	if !errors.As(err, &serverErr) || serverErr.Message != "<html>bad gateway</html>" {
		t.Fatalf("error = %v", err)
	}
}

// TestSessionTransportIntegration exercises the full request layer: an
// expired credential on a data call is refreshed through the client's
// own Refresh and the call is replayed.
func TestSessionTransportIntegration(t *testing.T) {
	var refreshes atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch request.URL.Path {
		case "/api/auth/refresh":
			refreshes.Add(1)
			if request.Header.Get("Authorization") != "Bearer stale" {
				t.Errorf("refresh sent Authorization %q", request.Header.Get("Authorization"))
			}
			writeEnvelope(t, writer, http.StatusOK, map[string]any{"accessToken": "fresh"})
		case "/api/conversations":
			if request.Header.Get("Authorization") != "Bearer fresh" {
				writeError(writer, http.StatusUnauthorized, CodeUnauthorized, "User not authenticated")
				return
			}
			writeEnvelope(t, writer, http.StatusOK, []map[string]any{
				{"id": "c1", "type": "DIRECT", "members": []any{}, "unreadCount": 3},
			})
		default:
			http.NotFound(writer, request)
		}
	}))
	defer server.Close()

	logger, _ := testutil.Logger()
	sessions := session.NewManager(session.Config{Logger: logger})
	defer sessions.ClearCredential()
	sessions.SetCredential("stale")

	client := newTestClient(t, server, &http.Client{Transport: &session.Transport{Manager: sessions}})
	sessions.SetRefresher(client)

	conversations, err := client.FetchConversations(context.Background())
	if err != nil {
		t.Fatalf("FetchConversations: %v", err)
	}
	if len(conversations) != 1 || conversations[0].UnreadCount != 3 || conversations[0].Type != Direct {
		t.Fatalf("conversations = %+v", conversations)
	}
	if refreshes.Load() != 1 {
		t.Fatalf("refreshes = %d, want 1", refreshes.Load())
	}
	if token, _ := sessions.Token(); token != "fresh" {
		t.Fatalf("credential = %q", token)
	}
}

func TestRefreshRejectedExpiresSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writeError(writer, http.StatusUnauthorized, CodeInvalidRefreshToken, "Invalid refresh token")
	}))
	defer server.Close()

	logger, _ := testutil.Logger()
	sessions := session.NewManager(session.Config{Logger: logger})
	sessions.SetCredential("stale")
	var expired atomic.Int32
	sessions.OnExpired(func() { expired.Add(1) })

	client := newTestClient(t, server, &http.Client{Transport: &session.Transport{Manager: sessions}})
	sessions.SetRefresher(client)

	_, err := client.CurrentUser(context.Background())
	if !errors.Is(err, session.ErrSessionExpired) {
		t.Fatalf("CurrentUser = %v, want ErrSessionExpired", err)
	}
	if !IsErrorCode(err, CodeInvalidRefreshToken) {
		t.Fatalf("refresh cause lost: %v", err)
	}
	if expired.Load() != 1 {
		t.Fatalf("expired signals = %d, want 1", expired.Load())
	}
}
