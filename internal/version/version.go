// Package version reports the build version of the generator.
package version

import "runtime/debug"

// Version is set at link time with -ldflags "-X github.com/timzifer/funcgen/internal/version.Version=...".
var Version = ""

const modulePath = "github.com/timzifer/funcgen"

// String returns the link-time version, the module version recorded in the
// build info, or "devel".
func String() string {
	if Version != "" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Path == modulePath && info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "devel"
}

// Banner is the line printed by --version.
func Banner() string {
	return "You are currently running version " + String() + " of funcgen"
}
