// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/lib/secret"
)

var (
	// ErrNoCredential is returned when an operation needs a credential
	// and none is held.
	ErrNoCredential = errors.New("session: no credential")

	// ErrSessionExpired is returned when a refresh failed and the
	// session has ended.
	ErrSessionExpired = errors.New("session: session expired")

	// ErrNoRefresher is returned by Refresh before SetRefresher.
	ErrNoRefresher = errors.New("session: no refresher configured")
)

// Refresher obtains a new access token from the server.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Config configures a Manager.
type Config struct {
	// Clock is used to judge token expiry. Default: clock.Real().
	Clock clock.Clock
	// RefreshSkew is how close to expiry EnsureFresh refreshes.
	RefreshSkew time.Duration
	// Logger. Default: slog.Default().
	Logger *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Manager holds the session credential.
type Manager struct {
	clock   clock.Clock
	skew    time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	refreshes singleflight.Group

	mu         sync.Mutex
	credential *secret.Buffer
	subject    string
	expiresAt  time.Time
	refresher  Refresher
	observers  map[uint64]func()
	nextID     uint64
}

// NewManager creates a Manager with no credential.
func NewManager(config Config) *Manager {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Manager{
		clock:     config.Clock,
		skew:      config.RefreshSkew,
		logger:    config.Logger,
		metrics:   config.Metrics,
		observers: make(map[uint64]func()),
	}
}

// SetRefresher installs the refresh call. It is separate from
// NewManager because the refresher usually sends its request through
// this Manager's Transport.
func (m *Manager) SetRefresher(refresher Refresher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresher = refresher
}

// SetCredential replaces the credential. JWT subject and expiry are
// read without verification when the token is a JWT; other tokens are
// held opaquely with no known expiry.
func (m *Manager) SetCredential(token string) error {
	if token == "" {
		return fmt.Errorf("session: %w", secret.ErrEmpty)
	}
	buffer, err := secret.NewFromString(token)
	if err != nil {
		return fmt.Errorf("session: storing credential: %w", err)
	}
	subject, expiresAt := readClaims(token)

	m.mu.Lock()
	previous := m.credential
	m.credential = buffer
	m.subject = subject
	m.expiresAt = expiresAt
	m.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
	return nil
}

func readClaims(token string) (string, time.Time) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", time.Time{}
	}
	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return claims.Subject, expiresAt
}

// ClearCredential drops the credential without raising the expired
// signal. Used for explicit logout.
func (m *Manager) ClearCredential() {
	m.mu.Lock()
	previous := m.takeCredentialLocked()
	m.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
}

func (m *Manager) takeCredentialLocked() *secret.Buffer {
	previous := m.credential
	m.credential = nil
	m.subject = ""
	m.expiresAt = time.Time{}
	return previous
}

// Token returns the current credential.
func (m *Manager) Token() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.credential == nil {
		return "", false
	}
	return m.credential.String(), true
}

// Authenticated reports whether a credential is held.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential != nil
}

// Subject returns the JWT subject of the credential, if known.
func (m *Manager) Subject() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subject
}

// ExpiresAt returns the JWT expiry of the credential, or the zero time.
func (m *Manager) ExpiresAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiresAt
}

// Refresh obtains a new credential. Concurrent calls share one request.
// The shared request is not cancelled when one caller's ctx is; each
// caller stops waiting on its own ctx.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	return m.sharedRefresh(ctx, "", false)
}

// sharedRefresh joins or starts the single in-flight refresh. When
// onlyIfStale is set and the flight finds the credential already
// differs from stale, another caller refreshed in the meantime and the
// current credential is returned without a new request.
func (m *Manager) sharedRefresh(ctx context.Context, stale string, onlyIfStale bool) (string, error) {
	results := m.refreshes.DoChan("refresh", func() (any, error) {
		if onlyIfStale {
			if current, ok := m.Token(); ok && current != stale {
				return current, nil
			}
		}
		return m.refresh(context.WithoutCancel(ctx))
	})
	select {
	case result := <-results:
		if result.Err != nil {
			return "", result.Err
		}
		return result.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	refresher := m.refresher
	m.mu.Unlock()
	if refresher == nil {
		return "", ErrNoRefresher
	}

	token, err := refresher.Refresh(WithoutRefresh(ctx))
	if err == nil {
		err = m.SetCredential(token)
	}
	if err != nil {
		m.metrics.TokenRefresh(false)
		m.logger.Warn("credential refresh failed", "error", err)
		m.expire()
		return "", fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	m.metrics.TokenRefresh(true)
	m.logger.Debug("credential refreshed", "subject", m.Subject(), "expires_at", m.ExpiresAt())
	return token, nil
}

// EnsureFresh returns the credential, refreshing it first when its
// known expiry is within the configured skew.
func (m *Manager) EnsureFresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.credential == nil {
		m.mu.Unlock()
		return "", ErrNoCredential
	}
	token := m.credential.String()
	expiresAt := m.expiresAt
	m.mu.Unlock()

	if expiresAt.IsZero() || m.clock.Now().Add(m.skew).Before(expiresAt) {
		return token, nil
	}
	m.logger.Debug("credential near expiry, refreshing", "expires_at", expiresAt)
	return m.Refresh(ctx)
}

// Expire ends the session: the credential is cleared and, if one was
// held, observers are signalled.
func (m *Manager) Expire() {
	m.expire()
}

func (m *Manager) expire() {
	m.mu.Lock()
	previous := m.takeCredentialLocked()
	var observers []func()
	if previous != nil {
		observers = make([]func(), 0, len(m.observers))
		for _, observer := range m.observers {
			observers = append(observers, observer)
		}
	}
	m.mu.Unlock()

	if previous == nil {
		return
	}
	previous.Close()
	m.metrics.SessionExpired()
	m.logger.Info("session expired")
	for _, observer := range observers {
		observer()
	}
}

// OnExpired registers fn to run each time the session expires. fn runs
// on the goroutine that detected the expiry and must not block. The
// returned function unregisters it.
func (m *Manager) OnExpired(fn func()) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.observers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers, id)
	}
}
