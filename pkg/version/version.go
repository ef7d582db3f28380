// Package version holds build information injected with ldflags.
//
//	go build -ldflags "-X darwin/pkg/version.Version=v0.3.0 -X darwin/pkg/version.Commit=$(git rev-parse --short HEAD)" ./cmd/darwin
package version

import "fmt"

//nolint:gochecknoglobals // set through ldflags
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the version line printed by "darwin --version".
func String() string {
	if Commit == "none" && Date == "unknown" {
		return Version
	}
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
