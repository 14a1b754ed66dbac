// Package version holds build information for the autocoder binary.
// The values are set at build time via ldflags:
//
//	go build -ldflags "-X autocoder/pkg/version.Version=v0.3.0 -X autocoder/pkg/version.Commit=$(git rev-parse --short HEAD)"
package version

import "fmt"

//nolint:gochecknoglobals // These must be package-level vars for ldflags injection.
var (
	// Version is the semantic version, "dev" for local builds.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)

// String renders the build information for --version.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
