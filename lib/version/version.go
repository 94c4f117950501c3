// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
)

// Injected with -ldflags -X. Empty values fall back to the VCS stamp
// the Go toolchain embeds in module builds.
var (
	GitCommit = ""
	GitDirty  = ""
	BuildTime = ""
	Version   = "0.1.0-dev"
)

// Build describes the binary that is running.
type Build struct {
	Version   string
	Commit    string
	Dirty     bool
	BuildTime string
	Go        string
	Platform  string
}

var readBuildInfo = sync.OnceValue(func() *debug.BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	return info
})

// Current resolves the running build, preferring ldflags values over
// embedded VCS settings.
func Current() Build {
	build := Build{
		Version:   Version,
		Commit:    GitCommit,
		Dirty:     GitDirty == "true",
		BuildTime: BuildTime,
		Go:        runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	fromSettings(&build, readBuildInfo())
	if build.Commit == "" {
		build.Commit = "unknown"
	}
	if build.BuildTime == "" {
		build.BuildTime = "unknown"
	}
	return build
}

// fromSettings fills fields left empty by ldflags from info.
func fromSettings(build *Build, info *debug.BuildInfo) {
	if info == nil {
		return
	}
	ldflagsDirty := GitDirty != ""
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if build.Commit == "" {
				build.Commit = setting.Value
				if len(build.Commit) > 12 {
					build.Commit = build.Commit[:12]
				}
			}
		case "vcs.time":
			if build.BuildTime == "" {
				build.BuildTime = setting.Value
			}
		case "vcs.modified":
			if !ldflagsDirty {
				build.Dirty = setting.Value == "true"
			}
		}
	}
}

func (b Build) String() string {
	commit := b.Commit
	if b.Dirty {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (%s, %s)", b.Version, commit, b.BuildTime)
}

// Info returns the one-line version used in startup logs.
func Info() string { return Current().String() }

// Fprint writes the --version output for binary to w.
func Fprint(w io.Writer, binary string) {
	build := Current()
	fmt.Fprintf(w, "%s %s\n  Go: %s\n  Platform: %s\n", binary, build, build.Go, build.Platform)
}

// Print writes the --version output for binary to stdout.
func Print(binary string) { Fprint(os.Stdout, binary) }
