// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/bureau-foundation/chatsync"
	"github.com/bureau-foundation/chatsync/lib/config"
	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/lib/sealed"
	"github.com/bureau-foundation/chatsync/lib/secret"
)

var nowFunc = time.Now

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(opts *options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if opts.metricsAddress != "" {
		cfg.Metrics.Address = opts.metricsAddress
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// engineConfig maps a validated configuration onto the engine's.
func engineConfig(cfg *config.Config, identity *sealed.Identity, logger *slog.Logger, registry *metrics.Metrics) chatsync.Config {
	return chatsync.Config{
		APIURL:               cfg.Server.APIURL,
		WebSocketURL:         cfg.Server.WebSocketURL,
		RequestTimeout:       config.Duration(cfg.Server.RequestTimeout),
		RefreshSkew:          config.Duration(cfg.Session.RefreshSkew),
		ReconnectDelay:       config.Duration(cfg.Realtime.ReconnectDelay),
		MaxReconnectDelay:    config.Duration(cfg.Realtime.MaxReconnectDelay),
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		Jitter:               cfg.Realtime.Jitter,
		HeartBeat:            config.Duration(cfg.Realtime.HeartbeatInterval),
		TypingTTL:            config.Duration(cfg.Presence.TypingTTL),
		TypingThrottle:       config.Duration(cfg.Presence.TypingThrottle),
		PageSize:             cfg.Messages.PageSize,
		StatePath:            cfg.State.Path,
		Identity:             identity,
		Logger:               logger,
		Metrics:              registry,
	}
}

// newLogger writes text to a terminal and JSON otherwise, unless the
// configuration names a format.
func newLogger(logging config.LoggingConfig, output *os.File) *slog.Logger {
	return buildLogger(logging, output, term.IsTerminal(int(output.Fd())))
}

func buildLogger(logging config.LoggingConfig, output io.Writer, terminal bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	options := &slog.HandlerOptions{Level: level}

	text := terminal
	switch logging.Format {
	case "text":
		text = true
	case "json":
		text = false
	}
	if text {
		return slog.New(slog.NewTextHandler(output, options))
	}
	return slog.New(slog.NewJSONHandler(output, options))
}

// signIn reads the password and logs in. The password buffer is
// closed before returning.
func signIn(ctx context.Context, engine *chatsync.Engine, username, passwordFile string) error {
	password, err := readPassword(passwordFile)
	if err != nil {
		return err
	}
	defer password.Close()

	if _, err := engine.Login(ctx, username, password.String()); err != nil {
		return fmt.Errorf("signing in as %s: %w", username, err)
	}
	return nil
}

func readPassword(passwordFile string) (*secret.Buffer, error) {
	if passwordFile != "" {
		return secret.ReadFromPath(passwordFile)
	}

	stdinFileDescriptor := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFileDescriptor) {
		return nil, errors.New("no terminal available for interactive password prompt (use --password-file)")
	}

	fmt.Fprint(os.Stderr, "Password: ")
	passwordBytes, err := term.ReadPassword(stdinFileDescriptor)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}

	buffer, err := secret.NewFromBytes(passwordBytes)
	if err != nil {
		secret.Zero(passwordBytes)
		return nil, err
	}
	return buffer, nil
}

// serveMetrics starts the Prometheus endpoint. The returned function
// stops it.
func serveMetrics(ctx context.Context, address string, registry *metrics.Metrics, logger *slog.Logger) (func(), error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "address", listener.Addr().String())

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}, nil
}
