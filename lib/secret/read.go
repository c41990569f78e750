// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
)

// ReadFromPath reads a secret from a file, or the first line of stdin
// when path is "-". Surrounding whitespace is trimmed.
func ReadFromPath(path string) (*Buffer, error) {
	if path == "-" {
		return readLine(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secret: reading %s: %w", path, err)
	}
	defer Zero(data)
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("secret: %s: %w", path, ErrEmpty)
	}
	return NewFromBytes(trimmed)
}

func readLine(reader io.Reader) (*Buffer, error) {
	scanner := bufio.NewScanner(reader)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("secret: reading stdin: %w", err)
		}
		return nil, fmt.Errorf("secret: stdin: %w", ErrEmpty)
	}
	line := scanner.Bytes()
	defer Zero(line)
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("secret: stdin: %w", ErrEmpty)
	}
	return NewFromBytes(trimmed)
}
