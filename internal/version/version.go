// Package version carries build metadata injected with -ldflags -X.
package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata for the version command and the host
// link banner.
func String() string {
	return fmt.Sprintf("daq.pipeline %s (%s, built %s)", Version, GitSHA, BuildTime)
}
