// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/dustin/go-humanize"

	"github.com/bureau-foundation/chatsync/lib/statefile"
	"github.com/bureau-foundation/chatsync/reconcile"
)

// SaveState writes the conversation cache to the state file. It does
// nothing when no state path is configured or nobody is signed in.
func (e *Engine) SaveState() error {
	user := e.User()
	if e.statePath == "" || user == nil {
		return nil
	}

	snapshot := e.store.Snapshot(e.clock.Now())
	snapshot.UserID = user.ID

	var options statefile.WriteOptions
	if e.identity != nil {
		options.Recipient = e.identity.Recipient()
	}
	size, err := statefile.Write(e.statePath, snapshot, options)
	if err != nil {
		return fmt.Errorf("chatsync: saving state: %w", err)
	}
	e.logger.Info("state saved",
		"path", e.statePath,
		"size", humanize.Bytes(uint64(size)),
		"conversations", len(snapshot.Conversations),
		"messages", snapshot.MessageCount(),
		"sealed", options.Recipient != "",
	)
	return nil
}

// LoadState fills the store from the state file, so conversations can
// be shown before the first fetch completes. A missing file, or one
// written for a different user, is not an error; LoadState reports
// whether anything was restored.
func (e *Engine) LoadState() (bool, error) {
	user := e.User()
	if e.statePath == "" || user == nil {
		return false, nil
	}

	var snapshot reconcile.Snapshot
	if err := statefile.Read(e.statePath, &snapshot, e.identity); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("chatsync: loading state: %w", err)
	}
	if snapshot.UserID != user.ID {
		e.logger.Info("ignoring state saved for another user", "path", e.statePath)
		return false, nil
	}

	e.store.Restore(snapshot)
	e.store.SetLocalUser(user.ID)
	return true, nil
}
