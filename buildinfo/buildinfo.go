// Package buildinfo contains application metadata that can be set at build time.
//
// For release builds, use ldflags to set the version:
//
//	go build -ldflags "-X github.com/nedpals/hce-agent/buildinfo.Version=1.0.0"
package buildinfo

import (
	"fmt"
	"runtime"
)

// Application metadata - can be overridden at build time via ldflags
var (
	// Name is the technical application name
	Name = "hce-agent"

	// DirName is the name of the config directory within user config paths
	DirName = "hce-agent"

	// DisplayName is the user-friendly name (used for UI, mDNS, titles)
	DisplayName = "HCE Agent"

	// Description is a short description of the application
	Description = "Contactless card emulation agent"

	// Version is the semantic version (set via ldflags for releases)
	Version = "dev"

	// Commit is the git commit hash (set via ldflags)
	Commit = ""

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = ""
)

// FullVersion returns the version string with optional commit info.
func FullVersion() string {
	if Commit != "" {
		return fmt.Sprintf("%s (%s)", Version, Commit)
	}
	return Version
}

// BuildInfo returns a multi-line string with full build information.
func BuildInfo() string {
	info := fmt.Sprintf("%s %s\n", Name, FullVersion())
	info += fmt.Sprintf("  %s\n", Description)
	info += fmt.Sprintf("  Go: %s\n", runtime.Version())
	info += fmt.Sprintf("  OS/Arch: %s/%s", runtime.GOOS, runtime.GOARCH)
	if BuildTime != "" {
		info += fmt.Sprintf("\n  Built: %s", BuildTime)
	}
	return info
}

// IsDev returns true if this is a development build.
func IsDev() bool {
	return Version == "dev"
}
