// Package version carries build metadata set with -ldflags -X.
package version

import "fmt"

var (
	// Version is the release tag, "dev" for local builds.
	Version = "dev"
	GitSHA  = "unknown"
	// BuildTime is an RFC 3339 timestamp.
	BuildTime = "unknown"
)

// String formats the build metadata for -version output and the health
// endpoint.
func String() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, GitSHA, BuildTime)
}
