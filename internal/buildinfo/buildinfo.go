// Package buildinfo provides build-time information (version, commit, build time).
// These variables are injected at build time via -ldflags.
package buildinfo

import "fmt"

var (
	// Version is the application version (e.g. "v0.1.0" or "dev").
	// Set via: -ldflags "-X github.com/terrpan/ecsrunner/internal/buildinfo.Version=<value>"
	Version = "dev"

	// Commit is the git commit hash.
	// Set via: -ldflags "-X github.com/terrpan/ecsrunner/internal/buildinfo.Commit=<value>"
	Commit = "unknown"

	// BuildTime is the build timestamp (RFC 3339).
	// Set via: -ldflags "-X github.com/terrpan/ecsrunner/internal/buildinfo.BuildTime=<value>"
	BuildTime = "unknown"
)

// ServiceName is reported by the health endpoint and used as the
// OpenTelemetry service name.
const ServiceName = "ecsrunner"

// String renders the build information on one line for `ecsrunner version`.
func String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", ServiceName, Version, Commit, BuildTime)
}
