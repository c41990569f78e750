// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type contextKey int

const (
	noRefreshKey contextKey = iota
	replayKey
)

// WithoutRefresh marks ctx so that a 401 on requests made with it is
// returned to the caller instead of triggering a refresh. Auth
// endpoints use it; the refresh request always carries it.
func WithoutRefresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRefreshKey, true)
}

func refreshDisabled(ctx context.Context) bool {
	disabled, _ := ctx.Value(noRefreshKey).(bool)
	return disabled
}

func isReplay(ctx context.Context) bool {
	replay, _ := ctx.Value(replayKey).(bool)
	return replay
}

// Authenticate sets the Authorization header when a credential is
// held. Without one the request is left unchanged.
func (m *Manager) Authenticate(request *http.Request) {
	if token, ok := m.Token(); ok {
		request.Header.Set("Authorization", "Bearer "+token)
	}
}

// HandleUnauthorized recovers a request the server rejected with 401.
// sent is the request as it went out, including its Authorization
// header; rejected is the 401 response, whose body is closed here.
//
// If the credential changed since sent was authenticated, the request
// is replayed with the new one without refreshing. Otherwise a refresh
// is performed; on success the request is replayed exactly once and
// that response is returned whatever its status. On failure the
// session has expired and the refresh error is returned.
func (m *Manager) HandleUnauthorized(ctx context.Context, sent *http.Request, rejected *http.Response, base http.RoundTripper) (*http.Response, error) {
	if isReplay(ctx) || refreshDisabled(ctx) {
		return rejected, nil
	}

	sentToken := strings.TrimPrefix(sent.Header.Get("Authorization"), "Bearer ")
	if _, err := m.sharedRefresh(ctx, sentToken, true); err != nil {
		drain(rejected)
		return nil, err
	}

	replay, err := cloneForReplay(ctx, sent)
	if err != nil {
		// The body cannot be re-sent; the caller sees the original 401.
		return rejected, nil
	}
	drain(rejected)
	m.Authenticate(replay)
	return base.RoundTrip(replay)
}

func cloneForReplay(ctx context.Context, sent *http.Request) (*http.Request, error) {
	replay := sent.Clone(context.WithValue(ctx, replayKey, true))
	if sent.Body == nil || sent.Body == http.NoBody {
		return replay, nil
	}
	if sent.GetBody == nil {
		return nil, fmt.Errorf("session: request body cannot be replayed")
	}
	body, err := sent.GetBody()
	if err != nil {
		return nil, fmt.Errorf("session: reopening request body: %w", err)
	}
	replay.Body = body
	return replay, nil
}

func drain(response *http.Response) {
	io.Copy(io.Discard, io.LimitReader(response.Body, 64<<10))
	response.Body.Close()
}

// Transport authenticates requests with the Manager's credential and
// recovers from 401 responses through HandleUnauthorized.
type Transport struct {
	// Base performs the requests. Default: http.DefaultTransport.
	Base    http.RoundTripper
	Manager *Manager
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(request *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	// RoundTrippers must not modify the caller's request.
	sent := request.Clone(request.Context())
	t.Manager.Authenticate(sent)

	response, err := base.RoundTrip(sent)
	if err != nil || response.StatusCode != http.StatusUnauthorized {
		return response, err
	}
	return t.Manager.HandleUnauthorized(request.Context(), sent, response, base)
}
