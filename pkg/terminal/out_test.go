package terminal

import (
	"bytes"
	"strings"
	"testing"

	"github.com/metacarve/metacarve/pkg/image"
	"github.com/metacarve/metacarve/pkg/scan"
)

var testImage = &image.Image{
	SizeOfHeaders: 0x400,
	Sections: []image.Section{
		{Name: ".text", RawStart: 0x400, RawEnd: 0x800, VirtualStart: 0x1000, VirtualSize: 0x400},
		{Name: ".data", RawStart: 0x800, RawEnd: 0xc00, VirtualStart: 0x2000, VirtualSize: 0x400},
	},
}

func TestSections(t *testing.T) {
	var buf bytes.Buffer
	NewPlainPrinter(&buf).Sections(testImage, []scan.Range{{Start: 0x800, End: 0xc00}})
	out := buf.String()
	if !strings.Contains(out, "2 sections") {
		t.Errorf("expected section count in %q", out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines; but was %d: %q", len(lines), out)
	}
	if strings.HasPrefix(lines[2], "*") || !strings.HasPrefix(lines[3], "*") {
		t.Errorf("expected only .data to be marked as scanned: %q", out)
	}
}

func TestCandidates(t *testing.T) {
	cands := []scan.Candidate{
		{Offset: 0x900, Mode: scan.ModeXor1, Key: []byte{0x5a}, Version: 29, HasVersion: true, Section: testImage.Sections[1]},
		{Offset: 0x500, Mode: scan.ModePlain, Section: testImage.Sections[0]},
	}

	var buf bytes.Buffer
	p := NewPlainPrinter(&buf)
	p.Candidates("Plausible", cands, 0)
	out := buf.String()
	for _, want := range []string{"Plausible: 2", "[1]", "off=0x00000900", "ver=29", "sec=.data", "carve=0x300", "mode=xor1", "key=5a", "[2]", "ver=?", "key=-"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Errorf("unexpected escape codes in plain output")
	}

	buf.Reset()
	p.Candidates("Suspects", cands, 1)
	if out := buf.String(); strings.Contains(out, "[2]") || !strings.Contains(out, "1 more") {
		t.Errorf("expected a truncated table; but was %q", out)
	}

	buf.Reset()
	p.Candidates("Suspects", nil, 0)
	if out := buf.String(); out != "Suspects: none\n" {
		t.Errorf("expected empty table; but was %q", out)
	}
}

func TestStats(t *testing.T) {
	st := &scan.Stats{
		Ranges: []scan.Range{{Start: 0, End: 0x100}, {Start: 0x200, End: 0x300}},
		Modes:  []scan.ModeStats{{Mode: scan.ModePlain, Hits: 3, Plausible: 1, Suspects: 1, Discarded: 1}},
	}
	var buf bytes.Buffer
	NewPlainPrinter(&buf).Stats(st)
	out := buf.String()
	if !strings.Contains(out, "2 ranges, 512 bytes") {
		t.Errorf("expected totals in %q", out)
	}
	if !strings.Contains(out, "plain") {
		t.Errorf("expected a row per mode in %q", out)
	}
}

func TestPaint(t *testing.T) {
	p := &Printer{color: true}
	if got := p.paint(ansiGreen, "ok"); got != "\033[32mok\033[0m" {
		t.Fatalf("expected colored text; but was %q", got)
	}
}
