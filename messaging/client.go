// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"

	"github.com/bureau-foundation/chatsync/lib/netutil"
	"github.com/bureau-foundation/chatsync/lib/version"
	"github.com/bureau-foundation/chatsync/session"
)

// DefaultPageSize is the message page size used when a caller passes 0.
const DefaultPageSize = 50

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the API root, e.g. "https://chat.example.com/api".
	BaseURL string
	// HTTPClient is used for all requests. If nil, a client with a
	// cookie jar and the default transport is used. A client without
	// a jar is given one.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client calls the chat server's JSON API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("messaging: BaseURL is required")
	}
	parsed, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("messaging: invalid BaseURL %q: %w", config.BaseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("messaging: BaseURL %q must be http or https", config.BaseURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("messaging: creating cookie jar: %w", err)
		}
		withJar := *httpClient
		withJar.Jar = jar
		httpClient = &withJar
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// CloseIdleConnections drops pooled connections, e.g. after the
// network changed.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// Login exchanges a username and password for an access token. The
// server also sets the refresh cookie.
func (c *Client) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("messaging: username and password are required for login")
	}
	var result AuthResult
	body := map[string]string{"username": username, "password": password}
	if err := c.call(session.WithoutRefresh(ctx), http.MethodPost, "/auth/login", body, nil, &result); err != nil {
		return nil, fmt.Errorf("messaging: login failed: %w", err)
	}
	if result.AccessToken == "" {
		return nil, fmt.Errorf("messaging: login response has no access token")
	}
	if result.User != nil {
		c.logger.Info("logged in", "user_id", result.User.ID, "username", result.User.Username)
	}
	return &result, nil
}

// Register creates an account and signs it in.
func (c *Client) Register(ctx context.Context, request RegisterRequest) (*AuthResult, error) {
	if request.Username == "" || request.Password == "" {
		return nil, fmt.Errorf("messaging: username and password are required for registration")
	}
	var result AuthResult
	if err := c.call(session.WithoutRefresh(ctx), http.MethodPost, "/auth/register", request, nil, &result); err != nil {
		return nil, fmt.Errorf("messaging: registration failed: %w", err)
	}
	if result.AccessToken == "" {
		return nil, fmt.Errorf("messaging: register response has no access token")
	}
	if result.User != nil {
		c.logger.Info("registered account", "user_id", result.User.ID, "username", result.User.Username)
	}
	return &result, nil
}

// Refresh obtains a new access token using the refresh cookie. It
// satisfies session.Refresher.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	var result AuthResult
	if err := c.call(session.WithoutRefresh(ctx), http.MethodPost, "/auth/refresh", struct{}{}, nil, &result); err != nil {
		return "", fmt.Errorf("messaging: refresh failed: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("messaging: refresh response has no access token")
	}
	return result.AccessToken, nil
}

// Logout revokes the refresh cookie server-side.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.call(session.WithoutRefresh(ctx), http.MethodPost, "/auth/logout", struct{}{}, nil, nil); err != nil {
		return fmt.Errorf("messaging: logout failed: %w", err)
	}
	return nil
}

// CurrentUser returns the signed-in user.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var user User
	if err := c.call(ctx, http.MethodGet, "/users/me", nil, nil, &user); err != nil {
		return nil, fmt.Errorf("messaging: fetching current user: %w", err)
	}
	return &user, nil
}

// FetchConversations returns every conversation the user belongs to.
func (c *Client) FetchConversations(ctx context.Context) ([]Conversation, error) {
	var conversations []Conversation
	if err := c.call(ctx, http.MethodGet, "/conversations", nil, nil, &conversations); err != nil {
		return nil, fmt.Errorf("messaging: fetching conversations: %w", err)
	}
	return conversations, nil
}

// FetchMessages returns one page of a conversation's history, newest
// first. page is zero-based; size 0 means DefaultPageSize.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, page, size int) ([]Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("messaging: conversation id is required")
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	query := url.Values{
		"conversationId": {conversationID},
		"page":           {strconv.Itoa(page)},
		"size":           {strconv.Itoa(size)},
	}
	var messages []Message
	if err := c.call(ctx, http.MethodGet, "/messages", nil, query, &messages); err != nil {
		return nil, fmt.Errorf("messaging: fetching messages for %s: %w", conversationID, err)
	}
	return messages, nil
}

// MarkConversationAsRead records that the user has read everything in
// the conversation.
func (c *Client) MarkConversationAsRead(ctx context.Context, conversationID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	if err := c.call(ctx, http.MethodPost, path, struct{}{}, nil, nil); err != nil {
		return fmt.Errorf("messaging: marking %s read: %w", conversationID, err)
	}
	return nil
}

// SendMessage posts a text message.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (*Message, error) {
	body := map[string]string{"conversationId": conversationID, "content": content}
	var message Message
	if err := c.call(ctx, http.MethodPost, "/messages", body, nil, &message); err != nil {
		return nil, fmt.Errorf("messaging: sending message to %s: %w", conversationID, err)
	}
	return &message, nil
}

// ToggleReaction adds the reaction, replaces a different one, or
// removes the same one, as the server decides.
func (c *Client) ToggleReaction(ctx context.Context, messageID, kind string) error {
	body := map[string]string{"messageId": messageID, "reactionType": kind}
	if err := c.call(ctx, http.MethodPost, "/messages/reactions", body, nil, nil); err != nil {
		return fmt.Errorf("messaging: reacting to %s: %w", messageID, err)
	}
	return nil
}

// CreateDirectConversation opens (or returns the existing) one-to-one
// conversation with targetUserID.
func (c *Client) CreateDirectConversation(ctx context.Context, targetUserID string) (*Conversation, error) {
	body := map[string]string{"targetUserId": targetUserID}
	var conversation Conversation
	if err := c.call(ctx, http.MethodPost, "/conversations/direct", body, nil, &conversation); err != nil {
		return nil, fmt.Errorf("messaging: creating direct conversation: %w", err)
	}
	return &conversation, nil
}

// CreateGroupConversation creates a named group with the given members.
func (c *Client) CreateGroupConversation(ctx context.Context, name string, memberUserIDs []string) (*Conversation, error) {
	body := struct {
		Name          string   `json:"name"`
		MemberUserIDs []string `json:"memberUserIds"`
	}{name, memberUserIDs}
	var conversation Conversation
	if err := c.call(ctx, http.MethodPost, "/conversations/group", body, nil, &conversation); err != nil {
		return nil, fmt.Errorf("messaging: creating group: %w", err)
	}
	return &conversation, nil
}

type envelope struct {
	Status  string          `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// call performs one request and decodes the envelope's data into
// result (which may be nil).
func (c *Client) call(ctx context.Context, method, path string, requestBody any, query url.Values, result any) error {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", version.UserAgent())
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, unwrapURLError(err))
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return fmt.Errorf("reading %s %s response: %w", method, path, err)
	}

	var decoded envelope
	jsonErr := json.Unmarshal(responseBody, &decoded)

	if response.StatusCode < 200 || response.StatusCode >= 300 || decoded.Status == "error" {
		serverErr := &Error{StatusCode: response.StatusCode, Code: decoded.Code, Message: decoded.Message}
		if jsonErr != nil || serverErr.Message == "" {
			serverErr.Message = strings.TrimSpace(netutil.ErrorSnippet(responseBody))
			if serverErr.Message == "" {
				serverErr.Message = http.StatusText(response.StatusCode)
			}
		}
		return serverErr
	}
	if jsonErr != nil {
		return fmt.Errorf("parsing %s %s response: %w", method, path, jsonErr)
	}

	if result == nil || len(decoded.Data) == 0 || string(decoded.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(decoded.Data, result); err != nil {
		return fmt.Errorf("parsing %s %s data: %w", method, path, err)
	}
	return nil
}

// unwrapURLError strips *url.Error so that sentinel errors from the
// transport (such as session.ErrSessionExpired) read cleanly; the
// method and path are already in the wrapping message.
func unwrapURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
