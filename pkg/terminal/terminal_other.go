//go:build !windows

package terminal

import (
	"io"
	"os"
)

// getColorableWriter simply returns f on
// *nix machines.
func getColorableWriter(f *os.File) io.Writer {
	return f
}
