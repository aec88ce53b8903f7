// Package version holds the metacarve version.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version represents a metacarve version.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// MetacarveVersion is the current version of metacarve.
var MetacarveVersion = Version{
	Major: "0", Minor: "4", Patch: "0", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	fixBuild(&v)
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

// BuildInfo returns the Go version followed by the main module and its
// dependencies, one per line.
func BuildInfo() string {
	var b strings.Builder
	b.WriteString(runtime.Version())
	info, ok := debug.ReadBuildInfo()
	if !ok {
		b.WriteString(" (not built in module mode)")
		return b.String()
	}
	fmt.Fprintf(&b, "\n%s %s", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		fmt.Fprintf(&b, "\n  %s %s", dep.Path, dep.Version)
		if r := dep.Replace; r != nil {
			fmt.Fprintf(&b, " => %s %s", r.Path, r.Version)
		}
	}
	return b.String()
}

func fixBuild(v *Version) {
	// Return if v.Build already set, but not if it is Git ident expand file blob hash
	if !strings.HasPrefix(v.Build, "$Id$") {
		return
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			v.Build = setting.Value
			return
		}
	}
}
