// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is chatsync's CBOR configuration for on-disk state.
//
// Wire traffic with the chat server stays JSON. Local snapshots are
// CBOR with Core Deterministic Encoding (RFC 8949 §4.2), so the same
// cache contents always produce the same bytes and the same checksum.
// Types that only carry json tags encode under those names.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Message timestamps order the log and the seen computation;
	// the default Unix-seconds encoding would collapse messages sent
	// within the same second.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v. Unknown fields are ignored so older
// binaries can read newer snapshots.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
