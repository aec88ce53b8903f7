// Package terminal prints scan results for humans.
package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/metacarve/metacarve/pkg/image"
	"github.com/metacarve/metacarve/pkg/scan"
)

const (
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed     = 31
	ansiGreen   = 32
	ansiYellow  = 33
	ansiBlue    = 34
	ansiCyan    = 36
	ansiBrBlack = 90
)

// Printer writes section maps, scan statistics and candidate tables.
type Printer struct {
	w     io.Writer
	color bool
}

// NewPrinter returns a Printer writing to f, colorized if f is a terminal.
func NewPrinter(f *os.File) *Printer {
	color := isatty.IsTerminal(f.Fd())
	if strings.ToLower(os.Getenv("TERM")) == "dumb" || os.Getenv("NO_COLOR") != "" {
		color = false
	}
	if !color {
		return &Printer{w: f}
	}
	return &Printer{w: getColorableWriter(f), color: true}
}

// NewPlainPrinter returns a Printer writing to w without colors.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) paint(color int, s string) string {
	if !p.color {
		return s
	}
	return fmt.Sprintf(terminalHighlightEscapeCode, color) + s + terminalResetEscapeCode
}

// Sections prints the section table of img, marking the sections that
// are scanned.
func (p *Printer) Sections(img *image.Image, scanned []scan.Range) {
	fmt.Fprintf(p.w, "%s (%d sections, headers %#x)\n", p.paint(ansiCyan, "Sections"), len(img.Sections), img.SizeOfHeaders)
	tw := tabwriter.NewWriter(p.w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "  name\traw start\traw end\tvirtual\tsize\t")
	for _, sec := range img.Sections {
		mark := ""
		if inRanges(scanned, sec.RawStart) {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s %s\t%#x\t%#x\t%#x\t%#x\t\n", mark, sec.Name, sec.RawStart, sec.RawEnd, sec.VirtualStart, sec.RawSize())
	}
	tw.Flush()
}

func inRanges(rngs []scan.Range, off uint64) bool {
	for _, r := range rngs {
		if r.Start <= off && off < r.End {
			return true
		}
	}
	return false
}

// Stats prints a line per scan pass.
func (p *Printer) Stats(st *scan.Stats) {
	var total uint64
	for _, r := range st.Ranges {
		total += r.Len()
	}
	fmt.Fprintf(p.w, "%s %d ranges, %d bytes in %v\n", p.paint(ansiCyan, "Scanned"), len(st.Ranges), total, st.Duration.Round(time.Microsecond))
	tw := tabwriter.NewWriter(p.w, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "mode\thits\tplausible\tsuspects\toutside\ttime\t")
	for _, ms := range st.Modes {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%v\t\n", ms.Mode, ms.Hits, ms.Plausible, ms.Suspects, ms.Discarded, ms.Duration.Round(time.Microsecond))
	}
	tw.Flush()
}

// Candidates prints a ranked candidate table. At most limit rows are
// printed, all of them if limit is not positive.
func (p *Printer) Candidates(title string, cands []scan.Candidate, limit int) {
	if len(cands) == 0 {
		fmt.Fprintf(p.w, "%s: none\n", p.paint(ansiYellow, title))
		return
	}
	fmt.Fprintf(p.w, "%s: %d\n", p.paint(ansiGreen, title), len(cands))
	n := len(cands)
	if limit > 0 && limit < n {
		n = limit
	}
	tw := tabwriter.NewWriter(p.w, 0, 8, 1, ' ', 0)
	for i := range cands[:n] {
		c := &cands[i]
		fmt.Fprintf(tw, "  [%d]\toff=%#08x\tver=%s\tsec=%s\tcarve=%#x\tmode=%s\tkey=%s\n", i+1, c.Offset, c.VersionString(), c.Section.Name, c.CarveLen(), c.Mode, c.KeyString())
	}
	tw.Flush()
	if n < len(cands) {
		fmt.Fprintln(p.w, p.paint(ansiBrBlack, fmt.Sprintf("  ... %d more", len(cands)-n)))
	}
}

// Wrote reports a file written to disk.
func (p *Printer) Wrote(path string, c *scan.Candidate, size int) {
	fmt.Fprintf(p.w, "%s %s (%d bytes, %s)\n", p.paint(ansiBlue, "Wrote"), path, size, c)
}

// Warn prints a warning.
func (p *Printer) Warn(format string, args ...interface{}) {
	fmt.Fprintf(p.w, "%s %s\n", p.paint(ansiRed, "Warning:"), fmt.Sprintf(format, args...))
}
