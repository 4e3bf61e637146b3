// Package version carries the goim build identity.
package version

import "fmt"

// VERSION and Commit are set at build time via:
//
//	go build -ldflags "-X github.com/chronologos/goim/internal/version.VERSION=0.1.0 -X github.com/chronologos/goim/internal/version.Commit=abc123"
var (
	VERSION = "dev"
	Commit  = "dev"
)

// String renders the version line printed by `goim version`.
func String() string {
	return fmt.Sprintf("goim %s (%s)", VERSION, Commit)
}
