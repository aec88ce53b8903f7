package minidump_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/metacarve/metacarve/pkg/capture/minidump"
	mdtest "github.com/metacarve/metacarve/pkg/capture/minidump/test"
)

func testDump() *mdtest.Dump {
	return &mdtest.Dump{
		Pid:  0x1234,
		Arch: 9,
		Modules: []mdtest.Module{
			{Name: `C:\Windows\System32\ntdll.dll`, Base: 0x7ff000000000, Size: 0x1000},
			{Name: `G:\Game\GameAssembly.dll`, Base: 0x180000000, Size: 0x3000},
		},
		Memory: []mdtest.Memory{
			{Addr: 0x17ffff000, Data: bytes.Repeat([]byte{0xcc}, 0x1800)},
			{Addr: 0x180002000, Data: bytes.Repeat([]byte{0xdd}, 0x800)},
		},
		SmallMemory: []mdtest.Memory{
			{Addr: 0x180002800, Data: bytes.Repeat([]byte{0xee}, 0x1000)},
		},
	}
}

func TestParse(t *testing.T) {
	var logged int
	mdmp, err := minidump.Parse(testDump().Bytes(), func(string, ...interface{}) { logged++ })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mdmp.Pid != 0x1234 {
		t.Errorf("expected pid %#x; but was %#x", 0x1234, mdmp.Pid)
	}
	if mdmp.Arch != minidump.CpuArchitectureAMD64 || mdmp.Arch.String() != "amd64" {
		t.Errorf("expected amd64; but was %s", mdmp.Arch)
	}
	if len(mdmp.Modules) != 2 || mdmp.Modules[1].Name != `G:\Game\GameAssembly.dll` || mdmp.Modules[1].SizeOfImage != 0x3000 {
		t.Fatalf("unexpected modules %#v", mdmp.Modules)
	}
	if len(mdmp.MemoryRanges) != 3 {
		t.Fatalf("expected 3 memory ranges; but was %d", len(mdmp.MemoryRanges))
	}
	if logged == 0 {
		t.Errorf("expected the log function to be called")
	}
}

func TestFindModule(t *testing.T) {
	mdmp, err := minidump.Parse(testDump().Bytes(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range []string{"gameassembly.dll", `G:\Game\GameAssembly.dll`} {
		m, ok := mdmp.FindModule(name)
		if !ok || m.BaseOfImage != 0x180000000 {
			t.Errorf("%q: module not found", name)
		}
	}
	if _, ok := mdmp.FindModule("Assembly.dll"); ok {
		t.Errorf("expected partial file names not to match")
	}
}

func TestReadModule(t *testing.T) {
	mdmp, err := minidump.Parse(testDump().Bytes(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, _ := mdmp.FindModule("GameAssembly.dll")
	img, missing := mdmp.ReadModule(m)
	if len(img) != 0x3000 {
		t.Fatalf("expected %#x bytes; but was %#x", 0x3000, len(img))
	}
	if missing != 0x1800 {
		t.Errorf("expected %#x missing bytes; but was %#x", 0x1800, missing)
	}
	for _, tc := range []struct {
		off      int
		expected byte
	}{
		{0, 0xcc}, {0x7ff, 0xcc}, {0x800, 0}, {0x1fff, 0}, {0x2000, 0xdd}, {0x27ff, 0xdd}, {0x2800, 0xee}, {0x2fff, 0xee},
	} {
		if img[tc.off] != tc.expected {
			t.Errorf("byte %#x: expected %#x; but was %#x", tc.off, tc.expected, img[tc.off])
		}
	}
}

func TestReadModuleOverlap(t *testing.T) {
	dump := &mdtest.Dump{
		Modules: []mdtest.Module{{Name: `GameAssembly.dll`, Base: 0x10000, Size: 0x2000}},
		Memory: []mdtest.Memory{
			{Addr: 0x10000, Data: bytes.Repeat([]byte{0xaa}, 0x1000)},
			{Addr: 0x10800, Data: bytes.Repeat([]byte{0xbb}, 0x1000)},
			{Addr: 0x10c00, Data: bytes.Repeat([]byte{0xcc}, 0x200)},
		},
	}
	mdmp, err := minidump.Parse(dump.Bytes(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := mdmp.FindModule("GameAssembly.dll")
	if !ok {
		t.Fatalf("module not found")
	}
	_, missing := mdmp.ReadModule(m)
	if missing != 0x800 {
		t.Fatalf("expected %#x missing bytes; but was %#x", 0x800, missing)
	}
}

func TestNotAMinidump(t *testing.T) {
	buf := testDump().Bytes()
	buf[0] = 'X'
	_, err := minidump.Parse(buf, nil)
	var nam minidump.ErrNotAMinidump
	if !errors.As(err, &nam) {
		t.Fatalf("expected ErrNotAMinidump; but was %v", err)
	}

	if _, err := minidump.Parse([]byte("MDMP"), nil); err == nil {
		t.Fatalf("expected an error for a truncated file")
	}
}

func TestTruncated(t *testing.T) {
	buf := testDump().Bytes()
	if _, err := minidump.Parse(buf[:len(buf)-1], nil); err == nil {
		t.Fatalf("expected an error for a truncated memory list")
	}
}
