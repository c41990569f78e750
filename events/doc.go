// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package events names the realtime topics and decodes the payloads
// the server pushes on them.
//
// Each topic carries one payload schema. [Decode] turns a (topic,
// payload) pair into one of the concrete [Event] types, validating
// the fields the consumers rely on. A payload that is valid JSON but
// lacks a required field fails with [ErrMalformed]; the caller drops
// that frame and keeps going.
//
// Per-user queues are delivered to every connection of the
// authenticated user. Conversation topics carry new messages for one
// conversation and are subscribed while that conversation is open.
package events
