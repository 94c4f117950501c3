// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports which meshroom build is running, for the
// --version flag and the startup log line of each binary.
//
// Release builds inject [GitCommit], [GitDirty], [BuildTime], and
// [Version] with -ldflags -X. Plain go build and go install runs leave
// them empty and [Current] reads the vcs.* settings from the embedded
// build info instead.
package version
