package cmds

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	mdtest "github.com/metacarve/metacarve/pkg/capture/minidump/test"
	"github.com/metacarve/metacarve/pkg/carve"
	"github.com/metacarve/metacarve/pkg/config"
	imgtest "github.com/metacarve/metacarve/pkg/image/test"
	"github.com/metacarve/metacarve/pkg/scan"
)

const blobOff = 0x200

func fixture() (*imgtest.Fixture, []byte) {
	payload := append(imgtest.Header(24), imgtest.Filler(0x600-blobOff-scan.HeaderSize)...)
	data := imgtest.Filler(0x600)
	copy(data[blobOff:], imgtest.Xor(payload, 0x3c))
	copy(data[0x100:], "SIGNATURE")

	return &imgtest.Fixture{Sections: []imgtest.Section{
		{Name: ".text", VirtualAddress: 0x1000, VirtualSize: 0x200, RawPointer: 0x400, RawSize: 0x200, Data: imgtest.Filler(0x200)},
		{Name: ".data", VirtualAddress: 0x2000, VirtualSize: 0x600, RawPointer: 0x600, RawSize: 0x600, Data: data},
	}}, payload
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, c *config.Config, args ...string) (string, error) {
	t.Helper()
	conf = c
	if conf == nil {
		conf = &config.Config{}
	}
	cmd := newCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestScanCommand(t *testing.T) {
	fx, _ := fixture()
	path := writeFile(t, t.TempDir(), "GameAssembly.dll", fx.Raw())

	for _, name := range []string{"scan", "list"} {
		out, err := run(t, nil, name, path)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		for _, want := range []string{"Plausible: 1", "mode=xor1", "key=3c", "ver=24", "Suspects: none"} {
			if !strings.Contains(out, want) {
				t.Errorf("%s: expected %q in output:\n%s", name, want, out)
			}
		}
	}
}

func TestScanCommandConfigSections(t *testing.T) {
	fx, _ := fixture()
	path := writeFile(t, t.TempDir(), "GameAssembly.dll", fx.Raw())

	out, err := run(t, &config.Config{Sections: []string{".text"}}, "scan", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Plausible: none") {
		t.Errorf("expected nothing in .text:\n%s", out)
	}

	out, err = run(t, &config.Config{Sections: []string{".text"}}, "scan", "--sections", ".data", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Plausible: 1") {
		t.Errorf("expected --sections to override the config file:\n%s", out)
	}

	if _, err := run(t, nil, "scan", "--modes", "xor8", path); err == nil {
		t.Errorf("expected an error for an unknown mode")
	}
}

func TestScanCommandSuspectsOnly(t *testing.T) {
	data := imgtest.Filler(0x400)
	copy(data[0x100:], imgtest.Header(99))
	fx := &imgtest.Fixture{Sections: []imgtest.Section{
		{Name: ".data", VirtualAddress: 0x1000, VirtualSize: 0x400, RawPointer: 0x400, RawSize: 0x400, Data: data},
	}}
	path := writeFile(t, t.TempDir(), "GameAssembly.dll", fx.Raw())

	out, err := run(t, nil, "scan", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Plausible: none", "Suspects: 1", "ver=99", "Warning: no plausible candidate"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}

	out, err = run(t, nil, "scan", writeFile(t, t.TempDir(), "GameAssembly.dll", fixtureRaw()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(out, "Warning:") {
		t.Errorf("unexpected warning with a plausible candidate:\n%s", out)
	}
}

func fixtureRaw() []byte {
	fx, _ := fixture()
	return fx.Raw()
}

func TestExtractCommand(t *testing.T) {
	fx, payload := fixture()
	dir := t.TempDir()
	path := writeFile(t, dir, "GameAssembly.dll", fx.Raw())
	outPath := filepath.Join(dir, "Data", "global-metadata.dat")

	out, err := run(t, nil, "extract", path, "-o", outPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Wrote "+outPath) {
		t.Errorf("expected the output to be reported:\n%s", out)
	}
	blob, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(blob, payload) {
		t.Fatalf("carved blob does not match the payload")
	}
}

func TestExtractCommandDumpAll(t *testing.T) {
	fx, _ := fixture()
	dir := t.TempDir()
	path := writeFile(t, dir, "GameAssembly.dll", fx.Raw())
	dumpDir := filepath.Join(dir, "all")

	extend := int64(0x10)
	_, err := run(t, &config.Config{Extend: &extend, MagicFix: "AF 1B B1 FA 1D 00 00 00"}, "extract", path, "--dump-all", dumpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	name := filepath.Join(dumpDir, "global-metadata.plaus01_off00000800_ver24_xor1.dat")
	blob, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("expected %s to be written: %v", name, err)
	}
	if blob[4] != 0x1d {
		t.Errorf("expected the configured magic fix to be applied; but was %x", blob[:8])
	}
	// .data ends the image, extend is clipped
	if len(blob) != 0x600-blobOff {
		t.Errorf("expected %#x bytes; but was %#x", 0x600-blobOff, len(blob))
	}
}

func TestExtractCommandErrors(t *testing.T) {
	fx, _ := fixture()
	dir := t.TempDir()
	path := writeFile(t, dir, "GameAssembly.dll", fx.Raw())

	_, err := run(t, nil, "extract", path, "-o", filepath.Join(dir, "out.dat"), "--magic-fix", "af1b")
	if !errors.Is(err, carve.ErrBadOverride) {
		t.Errorf("expected ErrBadOverride; but was %v", err)
	}

	_, err = run(t, nil, "extract", path, "-o", filepath.Join(dir, "out.dat"), "--index", "2")
	var soor *scan.ErrSelectionOutOfRange
	if !errors.As(err, &soor) {
		t.Errorf("expected ErrSelectionOutOfRange; but was %v", err)
	}

	_, err = run(t, nil, "extract", path, "-o", filepath.Join(dir, "out.dat"), "--sections", ".text")
	var npc *scan.ErrNoPlausibleCandidate
	if !errors.As(err, &npc) {
		t.Errorf("expected ErrNoPlausibleCandidate; but was %v", err)
	}

	if _, err := run(t, nil, "extract"); err == nil {
		t.Errorf("expected an error without an input")
	}
	if _, err := run(t, nil, "extract", "--layout", "sideways", path); err == nil {
		t.Errorf("expected an error for an unknown layout")
	}
}

func TestExtractCommandMinidump(t *testing.T) {
	fx, payload := fixture()
	dir := t.TempDir()
	virt := fx.Virtual()
	dump := &mdtest.Dump{
		Pid:     1234,
		Modules: []mdtest.Module{{Name: `C:\Games\BPSR\GameAssembly.dll`, Base: 0x180000000, Size: uint32(len(virt))}},
		Memory:  []mdtest.Memory{{Addr: 0x180000000, Data: virt}},
	}
	dmp := writeFile(t, dir, "bpsr.dmp", dump.Bytes())
	outPath := filepath.Join(dir, "global-metadata.dat")

	if _, err := run(t, nil, "extract", "--minidump", dmp, "--pid", "1234", "-o", outPath); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	blob, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(blob, payload) {
		t.Fatalf("carved blob does not match the payload")
	}

	if _, err := run(t, nil, "extract", "--minidump", dmp, "--module", "UnityPlayer.dll"); err == nil {
		t.Errorf("expected an error for a missing module")
	}
	if _, err := run(t, nil, "extract", "--minidump", dmp, dmp); err == nil {
		t.Errorf("expected an error when both an image and a minidump are given")
	}
}

func TestSigCommand(t *testing.T) {
	fx, _ := fixture()
	dir := t.TempDir()
	path := writeFile(t, dir, "GameAssembly.dll", fx.Raw())
	outPath := filepath.Join(dir, "sig.dat")

	// The signature sits 0x100 bytes after the start of .data.
	_, err := run(t, nil, "sig", path, "--signature", "5349474e4154555245", "--header-offset", "256", "-o", outPath, "--magic-fix", "af1bb1fa18000000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	blob, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(blob) != 0x600 || !bytes.Equal(blob[:8], imgtest.Header(24)) {
		t.Fatalf("unexpected blob of %#x bytes starting with %x", len(blob), blob[:8])
	}

	// Without the fix the filler at the start of .data reads as a bogus version.
	out, err := run(t, nil, "sig", path, "--signature", "5349474e4154555245", "--header-offset", "256", "-o", outPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Warning: version 394500 at 0x600 is not plausible") {
		t.Errorf("expected a warning about the version:\n%s", out)
	}

	// Signature and offset from the config file.
	off := int64(0x400)
	_, err = run(t, &config.Config{Signature: "5349474e4154555245", HeaderOffset: &off}, "sig", path, "-o", outPath)
	var sos *carve.ErrStartOutsideSections
	if !errors.As(err, &sos) {
		t.Fatalf("expected ErrStartOutsideSections; but was %v", err)
	}

	if _, err := run(t, nil, "sig", path, "-o", outPath); err == nil {
		t.Errorf("expected an error without a signature")
	}
	if _, err := run(t, nil, "sig", path, "--signature", "00"); err == nil {
		t.Errorf("expected an error without --out")
	}
}

func TestRebuildCommand(t *testing.T) {
	fx, _ := fixture()
	dir := t.TempDir()
	path := writeFile(t, dir, "GameAssembly.virtual.dll", fx.Virtual())
	outPath := filepath.Join(dir, "GameAssembly.dll")

	out, err := run(t, nil, "rebuild", "--virtual", path, "-o", outPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Rebuilt 2 sections") {
		t.Errorf("unexpected output %q", out)
	}
	raw, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, fx.Raw()) {
		t.Fatalf("rebuilt image does not match the raw layout")
	}

	if _, err := run(t, nil, "rebuild", outPath, "-o", filepath.Join(dir, "again.dll")); err == nil {
		t.Errorf("expected an error rebuilding a raw layout image")
	}
}

func TestHexBytes(t *testing.T) {
	var h hexBytes
	if err := h.Set("AF 1B B1 FA"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.String() != "af1bb1fa" || h.Type() != "hex" {
		t.Fatalf("unexpected value %s %s", h.String(), h.Type())
	}
	if err := h.Set("xyz"); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, nil, "version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out, "metacarve\nVersion: ") {
		t.Fatalf("unexpected output %q", out)
	}
	if strings.Contains(out, "Build Details:") {
		t.Fatalf("build details printed without -v: %q", out)
	}

	out, err = run(t, nil, "version", "-v")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Build Details: go") && !strings.Contains(out, "Build Details: devel") {
		t.Fatalf("expected build details; but was %q", out)
	}
}
