// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statefile persists the local conversation cache between runs.
//
// A state file is an 8-byte header followed by a body. The header is
// the magic "CHSNAP", a format version, and a flags byte. The body is
// a BLAKE3 digest of the compressed payload followed by the payload:
// the value CBOR-encoded (lib/codec) and zstd-compressed. When the
// file is sealed, the whole body is age-encrypted (lib/sealed) and the
// checksum is verified after decryption.
//
// Writes go to a temporary file in the destination directory, are
// synced, and are renamed into place, so a reader never sees a
// partially written file.
package statefile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/chatsync/lib/codec"
	"github.com/bureau-foundation/chatsync/lib/sealed"
)

const (
	formatVersion = 1
	headerSize    = 8
	digestSize    = 32

	flagSealed byte = 1 << 0

	// maxDecodedSize bounds decompression of a corrupt or hostile file.
	maxDecodedSize = 512 << 20
)

var magic = []byte("CHSNAP")

var (
	// ErrCorrupt is returned for files that are truncated, fail the
	// checksum, or do not decode.
	ErrCorrupt = errors.New("statefile: corrupt state file")

	// ErrIdentityRequired is returned when reading a sealed file
	// without an identity.
	ErrIdentityRequired = errors.New("statefile: file is sealed and no identity was given")
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("statefile: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		panic("statefile: zstd decoder initialization failed: " + err.Error())
	}
}

// WriteOptions controls how a state file is written.
type WriteOptions struct {
	// Recipient, if set, seals the body to this age public key.
	Recipient string
}

// Write encodes value and atomically replaces path with it. It returns
// the number of bytes written.
func Write(path string, value any, options WriteOptions) (int, error) {
	encoded, err := codec.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("statefile: encoding: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(encoded, nil)
	digest := blake3.Sum256(compressed)

	body := make([]byte, 0, digestSize+len(compressed))
	body = append(body, digest[:]...)
	body = append(body, compressed...)

	var flags byte
	if options.Recipient != "" {
		body, err = sealed.Seal(body, options.Recipient)
		if err != nil {
			return 0, fmt.Errorf("statefile: %w", err)
		}
		flags |= flagSealed
	}

	contents := make([]byte, 0, headerSize+len(body))
	contents = append(contents, magic...)
	contents = append(contents, formatVersion, flags)
	contents = append(contents, body...)

	if err := writeAtomic(path, contents); err != nil {
		return 0, err
	}
	return len(contents), nil
}

// Read decodes the state file at path into value. identity may be nil
// for unsealed files. A missing file returns an error satisfying
// errors.Is(err, fs.ErrNotExist).
func Read(path string, value any, identity *sealed.Identity) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("statefile: %w", err)
	}
	if len(contents) < headerSize || !bytes.Equal(contents[:len(magic)], magic) {
		return fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	if version := contents[len(magic)]; version != formatVersion {
		return fmt.Errorf("statefile: unsupported format version %d", version)
	}
	flags := contents[len(magic)+1]
	body := contents[headerSize:]

	if flags&flagSealed != 0 {
		if identity == nil {
			return ErrIdentityRequired
		}
		body, err = sealed.Open(body, identity)
		if err != nil {
			return fmt.Errorf("statefile: %w", err)
		}
	}

	if len(body) < digestSize {
		return fmt.Errorf("%w: truncated body", ErrCorrupt)
	}
	compressed := body[digestSize:]
	digest := blake3.Sum256(compressed)
	if !bytes.Equal(digest[:], body[:digestSize]) {
		return fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	encoded, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("%w: decompressing: %v", ErrCorrupt, err)
	}
	if err := codec.Unmarshal(encoded, value); err != nil {
		return fmt.Errorf("%w: decoding: %v", ErrCorrupt, err)
	}
	return nil
}

func writeAtomic(path string, contents []byte) error {
	directory := filepath.Dir(path)
	file, err := os.CreateTemp(directory, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("statefile: creating temporary file: %w", err)
	}
	temporaryPath := file.Name()

	if _, err := file.Write(contents); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: writing temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: syncing temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: closing temporary file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: renaming into place: %w", err)
	}

	if parent, err := os.Open(directory); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}
