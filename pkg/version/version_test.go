package version

import (
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abcdef"}
	want := "Version: 1.2.3-rc1\nBuild: abcdef"
	if got := v.String(); got != want {
		t.Fatalf("expected %q; but was %q", want, got)
	}
}

func TestBuildInfo(t *testing.T) {
	if bi := BuildInfo(); !strings.HasPrefix(bi, "go") && !strings.HasPrefix(bi, "devel") {
		t.Fatalf("expected the go version first; but was %q", bi)
	}
}
