// Package version holds build information stamped in with -ldflags, for
// example -X github.com/banshee-data/paramsweep/internal/version.Version=v0.3.0.
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

// String formats the build information for -version output.
func String() string {
	return fmt.Sprintf("paramsweep %s (%s, built %s)", Version, GitSHA, BuildTime)
}
