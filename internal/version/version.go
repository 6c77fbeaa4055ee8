// Package version reports the build identity of the goremote binary.
package version

import "fmt"

// VERSION and Commit are set at build time via:
//
//	go build -ldflags "-X ...version.VERSION=0.1.0 -X ...version.Commit=abc123"
var (
	VERSION = "dev"
	Commit  = "dev"
)

// String is the one-line banner printed by the version command.
func String() string {
	return fmt.Sprintf("goremote %s (%s)", VERSION, Commit)
}
