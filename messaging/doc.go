// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the request/response client for the chat
// server's JSON API.
//
// Every response is wrapped in an envelope:
//
//	{"status": "success" | "error", "code": "...", "message": "...", "data": ...}
//
// A success envelope's data is decoded into the call's result type. An
// error envelope (or a non-2xx status) becomes an [*Error] carrying the
// server's code and message verbatim; use [IsErrorCode] or errors.As.
//
// The client does not manage credentials itself. Callers give it an
// http.Client whose transport authenticates requests and recovers from
// 401 responses (see session.Transport). The refresh, login, register
// and logout calls mark their contexts so that a 401 on them is never
// answered with another refresh. The refresh credential is an
// HTTP-only cookie, so the http.Client should carry a cookie jar;
// [NewClient] installs one when the given client has none.
package messaging
