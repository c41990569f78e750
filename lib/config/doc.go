// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads chatsync client configuration.
//
// Configuration comes from one file, named by the --config flag (via
// [LoadFile]) or the CHATSYNC_CONFIG environment variable (via
// [Load]). There is no search path. Files ending in .json or .jsonc
// are read as JSON with comments and trailing commas; anything else is
// YAML.
//
// An environment section (development, staging, production) overrides
// base values when [Config].Environment matches it.
//
// String fields that name endpoints or paths may contain ${VAR} and
// ${VAR:-default}. Values come from the process environment first,
// then from a .env file beside the config file, then the default.
//
// Durations are written as Go duration strings ("2s", "1m30s") and
// checked by [Config.Validate].
package config
