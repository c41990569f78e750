// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts local state with age x25519 keys.
//
// The conversation cache written by the CLI contains message bodies,
// so when an identity file is configured the snapshot is sealed to
// that identity's recipient before it reaches disk. Identities are
// held in secret.Buffer memory.
package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"filippo.io/age"

	"github.com/bureau-foundation/chatsync/lib/secret"
)

// Identity is an age x25519 private key in protected memory. Close
// releases it.
type Identity struct {
	key       *secret.Buffer
	recipient string
}

// GenerateIdentity creates a new x25519 identity.
func GenerateIdentity() (*Identity, error) {
	generated, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("sealed: generating identity: %w", err)
	}
	key, err := secret.NewFromBytes([]byte(generated.String()))
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting identity: %w", err)
	}
	return &Identity{key: key, recipient: generated.Recipient().String()}, nil
}

// LoadIdentity reads an AGE-SECRET-KEY-1 line from path. Lines starting
// with '#' (as written by age-keygen) are skipped.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading identity: %w", err)
	}
	defer secret.Zero(data)

	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		parsed, err := age.ParseX25519Identity(string(line))
		if err != nil {
			return nil, fmt.Errorf("sealed: parsing identity in %s: %w", path, err)
		}
		key, err := secret.NewFromBytes(line)
		if err != nil {
			return nil, fmt.Errorf("sealed: protecting identity: %w", err)
		}
		return &Identity{key: key, recipient: parsed.Recipient().String()}, nil
	}
	return nil, fmt.Errorf("sealed: no identity found in %s", path)
}

// WriteIdentity stores the identity at path with owner-only
// permissions, in age-keygen's file layout.
func (i *Identity) WriteIdentity(path string) error {
	contents := "# public key: " + i.recipient + "\n" + i.key.String() + "\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		return fmt.Errorf("sealed: writing identity: %w", err)
	}
	return nil
}

// Recipient returns the public key in age1... form.
func (i *Identity) Recipient() string { return i.recipient }

// Close releases the private key.
func (i *Identity) Close() error { return i.key.Close() }

// Seal encrypts plaintext to the given recipients.
func Seal(plaintext []byte, recipients ...string) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, errors.New("sealed: at least one recipient is required")
	}
	parsed := make([]age.Recipient, 0, len(recipients))
	for _, recipient := range recipients {
		value, err := age.ParseX25519Recipient(recipient)
		if err != nil {
			return nil, fmt.Errorf("sealed: parsing recipient %q: %w", recipient, err)
		}
		parsed = append(parsed, value)
	}

	var out bytes.Buffer
	writer, err := age.Encrypt(&out, parsed...)
	if err != nil {
		return nil, fmt.Errorf("sealed: starting encryption: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finishing encryption: %w", err)
	}
	return out.Bytes(), nil
}

// Open decrypts ciphertext produced by Seal.
func Open(ciphertext []byte, identity *Identity) ([]byte, error) {
	parsed, err := age.ParseX25519Identity(identity.key.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing identity: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), parsed)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	return plaintext, nil
}
