// Package buildinfo holds version metadata stamped at link time, with a
// fallback to the VCS settings the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set with -ldflags "-X github.com/nugget/vanguard/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var (
	started  = time.Now()
	vcsOnce  sync.Once
	vcsDirty bool
)

// loadVCS fills GitCommit and BuildTime from the embedded build
// settings when the linker did not set them.
func loadVCS() {
	vcsOnce.Do(func() {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if GitCommit == "unknown" && len(s.Value) >= 7 {
					GitCommit = s.Value[:7]
				}
			case "vcs.time":
				if BuildTime == "unknown" {
					BuildTime = s.Value
				}
			case "vcs.modified":
				vcsDirty = s.Value == "true"
			}
		}
	})
}

// RuntimeInfo returns build and runtime details for the version
// endpoint and CLI.
func RuntimeInfo() map[string]string {
	loadVCS()
	commit := GitCommit
	if vcsDirty {
		commit += "-dirty"
	}
	return map[string]string{
		"version":    Version,
		"git_commit": commit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since process start, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent is sent on every outbound provider request.
func UserAgent() string {
	return "Vanguard/" + Version + " (+https://github.com/nugget/vanguard)"
}

// String is the one-line banner used in logs and `vanguard version`.
func String() string {
	loadVCS()
	return fmt.Sprintf("Vanguard %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
