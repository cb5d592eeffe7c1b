// Package version carries the build stamp injected at link time.
package version

// Overridden via -ldflags "-X .../internal/version.Version=..." and
// friends; the defaults identify a local, unstamped build.
var (
	Version = "v0.4.0"
	Commit  = "unknown"
	Date    = "unknown"
)
