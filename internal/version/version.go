// Package version reports the build version of tinyinfer.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is overridden at build time with -ldflags "-X ...version.Version=v1.2.3".
var Version = "v0.1.0"

// Commit returns the VCS revision recorded by the Go toolchain, if any.
func Commit() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return ""
}

// String formats the version line printed by the CLI.
func String() string {
	s := fmt.Sprintf("tinyinfer %s (%s/%s, %s)", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
	if c := Commit(); c != "" {
		s += " commit " + c
	}
	return s
}
