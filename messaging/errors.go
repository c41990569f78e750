// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"
)

// Error is a failure reported by the chat server. Message is the
// server's text, shown to users as-is.
type Error struct {
	Code       string
	Message    string
	StatusCode int
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("chat server (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("chat server: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Server error codes the client reacts to.
const (
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeInvalidCredentials    = "INVALID_CREDENTIALS"
	CodeInvalidRefreshToken   = "INVALID_REFRESH_TOKEN"
	CodeRefreshTokenMissing   = "REFRESH_TOKEN_MISSING"
	CodeRefreshTokenExpired   = "REFRESH_TOKEN_EXPIRED"
	CodeRefreshTokenRevoked   = "REFRESH_TOKEN_REVOKED"
	CodeUsernameExists        = "USERNAME_EXISTS"
	CodeEmailExists           = "EMAIL_EXISTS"
	CodeConversationNotFound  = "CONVERSATION_NOT_FOUND"
	CodeConversationForbidden = "CONVERSATION_ACCESS_DENIED"
	CodeMessageNotFound       = "MESSAGE_NOT_FOUND"
	CodeRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"
)

// IsErrorCode reports whether err is an *Error with the given code.
func IsErrorCode(err error, code string) bool {
	var serverErr *Error
	if errors.As(err, &serverErr) {
		return serverErr.Code == code
	}
	return false
}

// StatusCode returns the HTTP status of an *Error in err's chain, or 0.
func StatusCode(err error) int {
	var serverErr *Error
	if errors.As(err, &serverErr) {
		return serverErr.StatusCode
	}
	return 0
}
