// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// chatsync is a terminal client for the chat service. It signs in,
// keeps a realtime connection open, and prints what the sync engine
// sees.
//
// Usage:
//
//	chatsync [flags] conversations
//	chatsync [flags] history <conversation-id>
//	chatsync [flags] follow
//	chatsync [flags] send <conversation-id> <text>
//
// Configuration comes from the file named by --config or the
// CHATSYNC_CONFIG environment variable. The password is read from
// --password-file ("-" for the first line of stdin) or prompted for on
// a terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chatsync"
	"github.com/bureau-foundation/chatsync/lib/config"
	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/lib/sealed"
	"github.com/bureau-foundation/chatsync/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options holds the parsed command line.
type options struct {
	configPath     string
	username       string
	passwordFile   string
	metricsAddress string
	logLevel       string

	command string
	args    []string
}

// errHelp is returned by parseOptions when usage was requested.
var errHelp = errors.New("help requested")

// commandArgs is the number of positional arguments each command takes.
var commandArgs = map[string]int{
	"conversations": 0,
	"history":       1,
	"follow":        0,
	"send":          2,
}

func newFlagSet(opts *options) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("chatsync", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "config file (default: $"+config.EnvironmentVariable+")")
	flagSet.StringVarP(&opts.username, "username", "u", "", "account to sign in as")
	flagSet.StringVar(&opts.passwordFile, "password-file", "", `read the password from this file ("-" for stdin)`)
	flagSet.StringVar(&opts.metricsAddress, "metrics-address", "", "serve Prometheus metrics on this address (overrides metrics.address)")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn, or error (overrides logging.level)")
	flagSet.BoolP("help", "h", false, "show help")
	flagSet.SetOutput(io.Discard)
	return flagSet
}

func parseOptions(args []string) (*options, error) {
	opts := &options{}
	flagSet := newFlagSet(opts)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, errHelp
		}
		return nil, err
	}
	if help, _ := flagSet.GetBool("help"); help {
		return nil, errHelp
	}

	positional := flagSet.Args()
	if len(positional) == 0 {
		return nil, errors.New("no command given (run chatsync --help)")
	}
	opts.command = positional[0]
	want, known := commandArgs[opts.command]
	if !known {
		return nil, fmt.Errorf("unknown command %q", opts.command)
	}
	opts.args = positional[1:]
	switch {
	case opts.command == "send" && len(opts.args) > want:
		// Unquoted message text arrives as several words.
		opts.args = []string{opts.args[0], strings.Join(opts.args[1:], " ")}
	case len(opts.args) != want:
		return nil, fmt.Errorf("%s takes %d argument(s), got %d", opts.command, want, len(opts.args))
	}
	if opts.username == "" {
		return nil, errors.New("--username is required")
	}
	return opts, nil
}

func run(args []string) error {
	if len(args) > 0 && args[0] == "--version" {
		version.Print("chatsync")
		return nil
	}

	opts, err := parseOptions(args)
	if errors.Is(err, errHelp) {
		printHelp(os.Stdout)
		return nil
	}
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var registry *metrics.Metrics
	if cfg.Metrics.Address != "" {
		registry = metrics.New()
		shutdown, err := serveMetrics(ctx, cfg.Metrics.Address, registry, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	var identity *sealed.Identity
	if cfg.State.IdentityFile != "" {
		identity, err = sealed.LoadIdentity(cfg.State.IdentityFile)
		if err != nil {
			return fmt.Errorf("loading state identity: %w", err)
		}
		defer identity.Close()
	}

	engine, err := chatsync.New(engineConfig(cfg, identity, logger, registry))
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := signIn(ctx, engine, opts.username, opts.passwordFile); err != nil {
		return err
	}
	if restored, err := engine.LoadState(); err != nil {
		logger.Warn("ignoring unreadable state file", "error", err)
	} else if restored {
		logger.Debug("conversation cache restored from state file")
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}

	switch opts.command {
	case "conversations":
		writeConversations(os.Stdout, engine.Store().Conversations(), engine.User().ID, nowFunc())
	case "history":
		if err := engine.OpenConversation(ctx, opts.args[0]); err != nil {
			return err
		}
		writeMessages(os.Stdout, engine.Store().Messages(opts.args[0]), nowFunc())
		engine.CloseConversation(opts.args[0])
	case "follow":
		if err := follow(ctx, engine, os.Stdout, logger); err != nil {
			return err
		}
	case "send":
		message, err := engine.SendMessage(ctx, opts.args[0], opts.args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "sent %s\n", message.ID)
	}

	engine.Store().Wait()
	return engine.SaveState()
}

func printHelp(writer io.Writer) {
	flagSet := newFlagSet(&options{})
	fmt.Fprintf(writer, `chatsync %s

Usage:
  chatsync [flags] conversations             list conversations, newest first
  chatsync [flags] history <conversation>    print the newest page of messages
  chatsync [flags] follow                    print live activity until interrupted
  chatsync [flags] send <conversation> <text>

Flags:
%s`, version.Info(), flagSet.FlagUsages())
}
