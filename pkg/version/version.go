// Package version carries build information for Mimir binaries.
package version

import (
	"fmt"
	"runtime"
)

// Version is injected via ldflags at release time:
//
//	-X github.com/mimir-rag/mimir/pkg/version.Version=1.2.3
var Version = "dev"

var (
	// Commit is the git commit hash, injected via ldflags.
	Commit = "unknown"

	// Date is the build date in RFC3339 form, injected via ldflags.
	Date = "unknown"

	// GoVersion is the toolchain that built the binary.
	GoVersion = runtime.Version()
)

// BuildInfo is structured version information for JSON output.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// String returns the full human-readable version line.
func String() string {
	return fmt.Sprintf("mimir %s (commit: %s, built: %s, go: %s)",
		Version, Commit, Date, GoVersion)
}

// Short returns just the version.
func Short() string {
	return Version
}

// GetInfo returns structured version information.
func GetInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}
