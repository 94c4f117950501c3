// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads meshroom configuration.
//
// Configuration comes from a single file named by the MESHROOM_CONFIG
// environment variable (via [Load]) or a --config flag (via
// [LoadFile]). There is no discovery and no search path. Files ending
// in .jsonc are JSON with comments and trailing commas; everything
// else is YAML.
//
// A file may carry development and production sections that override
// base values when [Config].Environment matches. String fields that
// hold secrets or endpoints accept ${VAR} and ${VAR:-default}
// expansion, so a password can live in the environment rather than in
// the file.
//
// Key exports:
//
//   - [Config] -- app, room, relay, ICE, pool, and logging settings
//   - [Default] -- a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
package config
