// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrEmpty is returned when a buffer would hold no bytes.
var ErrEmpty = errors.New("secret: empty value")

// Buffer is an mmap-backed region holding one secret. It must not be
// copied. Reads after Close panic; Close is idempotent.
type Buffer struct {
	mu     sync.Mutex
	region []byte
	closed bool
}

// NewFromBytes copies source into protected memory and zeros source.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, ErrEmpty
	}
	region, err := allocate(len(source))
	if err != nil {
		return nil, err
	}
	copy(region, source)
	Zero(source)
	return &Buffer{region: region}, nil
}

// NewFromString copies value into protected memory. The string itself
// cannot be scrubbed; callers receiving tokens as strings from a
// decoder should drop their reference promptly.
func NewFromString(value string) (*Buffer, error) {
	if value == "" {
		return nil, ErrEmpty
	}
	region, err := allocate(len(value))
	if err != nil {
		return nil, err
	}
	copy(region, value)
	return &Buffer{region: region}, nil
}

func allocate(size int) ([]byte, error) {
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	if err := unix.Mlock(region); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}
	if err := unix.Madvise(region, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(region)
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP): %w", err)
	}
	return region, nil
}

// Bytes returns a slice into the protected region. It is only valid
// until Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mustBeOpen()
	return b.region
}

// String returns a heap copy of the secret for APIs that need a
// string, such as an Authorization header value.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mustBeOpen()
	return string(b.region)
}

// Len returns the secret length, or 0 after Close.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.region)
}

// EqualString compares the secret with value in constant time.
func (b *Buffer) EqualString(value string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mustBeOpen()
	return subtle.ConstantTimeCompare(b.region, []byte(value)) == 1
}

// Close zeros and releases the region.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	Zero(b.region)

	var errs []error
	if err := unix.Munlock(b.region); err != nil {
		errs = append(errs, fmt.Errorf("secret: munlock: %w", err))
	}
	if err := unix.Munmap(b.region); err != nil {
		errs = append(errs, fmt.Errorf("secret: munmap: %w", err))
	}
	b.region = nil
	return errors.Join(errs...)
}

func (b *Buffer) mustBeOpen() {
	if b.closed {
		panic("secret: use of closed buffer")
	}
}

// Zero overwrites data with zeros.
func Zero(data []byte) {
	clear(data)
}
