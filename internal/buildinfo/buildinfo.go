// Package buildinfo carries the version stamped into coresim at link time:
//
//	go build -ldflags "-X github.com/doublegate/VeridianOS-sub004/internal/buildinfo.Version=v0.3.0"
package buildinfo

import (
	"fmt"
	"runtime/debug"
)

// Build metadata, set via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Short returns the release version, else the commit, else "dev".
func Short() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	if c := commit(); c != "" {
		return c
	}
	return "dev"
}

// String returns the full build line printed by the version command.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Short(), orUnknown(commit()), Date)
}

// commit prefers the linker-stamped commit and falls back to the VCS
// revision the toolchain embeds.
func commit() string {
	if Commit != "" && Commit != "unknown" {
		return Commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 12 {
			return s.Value[:12]
		}
	}
	return ""
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
