// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewFromBytesZerosSource(t *testing.T) {
	source := []byte("eyJhbGciOiJIUzI1NiJ9.payload.sig")
	want := string(source)

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if got := buffer.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	for index, value := range source {
		if value != 0 {
			t.Fatalf("source[%d] = %d after NewFromBytes, want 0", index, value)
		}
	}
}

func TestNewFromStringEmpty(t *testing.T) {
	if _, err := NewFromString(""); !errors.Is(err, ErrEmpty) {
		t.Fatalf("NewFromString(\"\") error = %v, want ErrEmpty", err)
	}
	if _, err := NewFromBytes(nil); !errors.Is(err, ErrEmpty) {
		t.Fatalf("NewFromBytes(nil) error = %v, want ErrEmpty", err)
	}
}

func TestEqualString(t *testing.T) {
	buffer, err := NewFromString("token-a")
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	defer buffer.Close()

	if !buffer.EqualString("token-a") {
		t.Error("EqualString(same) = false")
	}
	if buffer.EqualString("token-b") {
		t.Error("EqualString(different) = true")
	}
	if buffer.EqualString("token") {
		t.Error("EqualString(prefix) = true")
	}
}

func TestCloseIdempotentAndPanicsAfter(t *testing.T) {
	buffer, err := NewFromString("short-lived")
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if buffer.Len() != 0 {
		t.Fatalf("Len() after Close = %d, want 0", buffer.Len())
	}

	defer func() {
		if recover() == nil {
			t.Fatal("String() after Close did not panic")
		}
	}()
	_ = buffer.String()
}

func TestReadFromPath(t *testing.T) {
	directory := t.TempDir()

	t.Run("trims whitespace", func(t *testing.T) {
		path := filepath.Join(directory, "password")
		if err := os.WriteFile(path, []byte("  hunter2\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		buffer, err := ReadFromPath(path)
		if err != nil {
			t.Fatalf("ReadFromPath: %v", err)
		}
		defer buffer.Close()
		if got := buffer.String(); got != "hunter2" {
			t.Fatalf("String() = %q, want hunter2", got)
		}
	})

	t.Run("whitespace only is empty", func(t *testing.T) {
		path := filepath.Join(directory, "blank")
		if err := os.WriteFile(path, []byte(" \n\t"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadFromPath(path); !errors.Is(err, ErrEmpty) {
			t.Fatalf("error = %v, want ErrEmpty", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ReadFromPath(filepath.Join(directory, "absent"))
		if err == nil || !strings.Contains(err.Error(), "absent") {
			t.Fatalf("error = %v, want mention of path", err)
		}
	})
}

func TestReadLine(t *testing.T) {
	buffer, err := readLine(strings.NewReader("secret-line\nignored\n"))
	if err != nil {
		t.Fatalf("readLine: %v", err)
	}
	defer buffer.Close()
	if got := buffer.String(); got != "secret-line" {
		t.Fatalf("String() = %q", got)
	}
}
