// Package version exposes build metadata stamped via -ldflags, shared by
// every service's version subcommand.
package version

import "runtime"

var (
	// Version is the release tag, "dev" for local builds.
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }
