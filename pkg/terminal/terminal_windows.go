package terminal

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"golang.org/x/sys/windows"
)

// getColorableWriter will return a writer that is capable
// of interpreting ANSI escape codes for terminal colors.
func getColorableWriter(f *os.File) io.Writer {
	if strings.ToLower(os.Getenv("ConEmuANSI")) == "on" {
		// The ConEmu terminal is installed. Use it.
		return f
	}

	var m uint32
	err := windows.GetConsoleMode(windows.Handle(f.Fd()), &m)
	if err != nil {
		return f
	}
	if m&windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING != 0 {
		return f
	}
	return colorable.NewColorable(f)
}
