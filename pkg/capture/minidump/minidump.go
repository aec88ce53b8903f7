// Package minidump reads the parts of a Windows minidump needed to recover
// the in-memory image of a loaded module: the module list and the captured
// memory ranges.
//
// The file format is described on MSDN starting at:
//
//	https://learn.microsoft.com/en-us/windows/win32/api/minidumpapiset/ns-minidumpapiset-minidump_header
//
// which is the structure found at offset 0 on a minidump file.
package minidump

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"
)

type minidumpBuf struct {
	buf  []byte
	kind string
	off  int
	err  error
	ctx  string
}

func (buf *minidumpBuf) truncated(stride int) bool {
	if buf.err != nil {
		return true
	}
	if buf.off < 0 || buf.off+stride > len(buf.buf) {
		buf.err = fmt.Errorf("minidump %s truncated at offset %#x while %s", buf.kind, buf.off, buf.ctx)
		return true
	}
	return false
}

func (buf *minidumpBuf) u16() uint16 {
	const stride = 2
	if buf.truncated(stride) {
		return 0
	}
	r := binary.LittleEndian.Uint16(buf.buf[buf.off : buf.off+stride])
	buf.off += stride
	return r
}

func (buf *minidumpBuf) u32() uint32 {
	const stride = 4
	if buf.truncated(stride) {
		return 0
	}
	r := binary.LittleEndian.Uint32(buf.buf[buf.off : buf.off+stride])
	buf.off += stride
	return r
}

func (buf *minidumpBuf) u64() uint64 {
	const stride = 8
	if buf.truncated(stride) {
		return 0
	}
	r := binary.LittleEndian.Uint64(buf.buf[buf.off : buf.off+stride])
	buf.off += stride
	return r
}

func (buf *minidumpBuf) skip(n int) {
	if buf.truncated(n) {
		return
	}
	buf.off += n
}

func streamBuf(stream *Stream, buf *minidumpBuf, name string) *minidumpBuf {
	return &minidumpBuf{
		buf:  buf.buf,
		kind: "stream",
		off:  stream.Offset,
		err:  nil,
		ctx:  fmt.Sprintf("reading %s stream at %#x", name, stream.Offset),
	}
}

// ErrNotAMinidump is the error returned when the file being loaded is not a
// minidump file.
type ErrNotAMinidump struct {
	what string
	got  uint32
}

func (err ErrNotAMinidump) Error() string {
	return fmt.Sprintf("not a minidump, invalid %s %#x", err.what, err.got)
}

const (
	minidumpSignature = 0x504d444d // 'MDMP'
	minidumpVersion   = 0xa793

	vsFixedFileInfoSize = 13 * 4
)

// Minidump represents a minidump file
type Minidump struct {
	Timestamp uint32
	Flags     uint64
	Arch      Arch
	Pid       uint32

	Streams      []Stream
	Modules      []Module
	MemoryRanges []MemoryRange

	streamNum uint32
	streamOff uint32
}

// Stream represents one (uninterpreted) stream in a minidump file.
type Stream struct {
	Type    StreamType
	Offset  int
	RawData []byte
}

// Module represents an entry in the ModuleList stream.
type Module struct {
	BaseOfImage   uint64
	SizeOfImage   uint32
	Checksum      uint32
	TimeDateStamp uint32
	Name          string
}

// MemoryRange represents a region of memory saved to the minidump, it comes
// from either the MemoryList or the Memory64List stream.
type MemoryRange struct {
	Addr uint64
	Data []byte
}

// StreamType is the type of the StreamType field of MINIDUMP_DIRECTORY
type StreamType uint32

const (
	ModuleListStream   StreamType = 4
	MemoryListStream   StreamType = 5
	SystemInfoStream   StreamType = 7
	Memory64ListStream StreamType = 9
	MiscInfoStream     StreamType = 15
)

// Arch is the type of the ProcessorArchitecture field of MINIDUMP_SYSTEM_INFO.
type Arch uint16

const (
	CpuArchitectureX86     Arch = 0
	CpuArchitectureARM     Arch = 5
	CpuArchitectureAMD64   Arch = 9
	CpuArchitectureWoW64   Arch = 10
	CpuArchitectureARM64   Arch = 12
	CpuArchitectureUnknown Arch = 0xffff
)

func (a Arch) String() string {
	switch a {
	case CpuArchitectureX86:
		return "x86"
	case CpuArchitectureARM:
		return "arm"
	case CpuArchitectureAMD64:
		return "amd64"
	case CpuArchitectureWoW64:
		return "wow64"
	case CpuArchitectureARM64:
		return "arm64"
	}
	return fmt.Sprintf("Arch(%#x)", uint16(a))
}

// Parse reads a minidump from rawbuf. Memory ranges and module names point
// into rawbuf, which must not be modified while the Minidump is in use.
func Parse(rawbuf []byte, logfn func(fmt string, args ...interface{})) (*Minidump, error) {
	buf := &minidumpBuf{buf: rawbuf, kind: "file"}

	mdmp := Minidump{Arch: CpuArchitectureUnknown}

	readMinidumpHeader(&mdmp, buf)
	if buf.err != nil {
		return nil, buf.err
	}

	if logfn != nil {
		logfn("Minidump Header\n")
		logfn("Num Streams: %d\n", mdmp.streamNum)
		logfn("Streams offset: %#x\n", mdmp.streamOff)
		logfn("File flags: %#x\n", mdmp.Flags)
	}

	readDirectory(&mdmp, buf)
	if buf.err != nil {
		return nil, buf.err
	}

	for i := range mdmp.Streams {
		stream := &mdmp.Streams[i]
		if logfn != nil {
			logfn("Stream %d: type:%d off:%#x size:%#x\n", i, stream.Type, stream.Offset, len(stream.RawData))
		}
		var sb *minidumpBuf
		switch stream.Type {
		case SystemInfoStream:
			sb = streamBuf(stream, buf, "system info")
			mdmp.Arch = Arch(sb.u16())
			if logfn != nil {
				logfn("\tProcessor architecture %s\n", mdmp.Arch)
			}
		case ModuleListStream:
			sb = streamBuf(stream, buf, "module list")
			readModuleList(&mdmp, sb)
			if logfn != nil {
				for i := range mdmp.Modules {
					logfn("\tName:%q BaseOfImage:%#x SizeOfImage:%#x\n", mdmp.Modules[i].Name, mdmp.Modules[i].BaseOfImage, mdmp.Modules[i].SizeOfImage)
				}
			}
		case MemoryListStream:
			sb = streamBuf(stream, buf, "memory list")
			readMemoryList(&mdmp, sb, logfn)
		case Memory64ListStream:
			sb = streamBuf(stream, buf, "memory64 list")
			readMemory64List(&mdmp, sb, logfn)
		case MiscInfoStream:
			sb = streamBuf(stream, buf, "misc info")
			readMiscInfo(&mdmp, sb)
			if logfn != nil {
				logfn("\tPid: %#x\n", mdmp.Pid)
			}
		}
		if sb != nil && sb.err != nil {
			return nil, sb.err
		}
	}

	return &mdmp, nil
}

// decodeUTF16 converts a NUL-terminated UTF16LE string to (non NUL-terminated) UTF8.
func decodeUTF16(in []byte) string {
	utf16encoded := []uint16{}
	for i := 0; i+1 < len(in); i += 2 {
		utf16encoded = append(utf16encoded, uint16(in[i])+uint16(in[i+1])<<8)
	}
	s := string(utf16.Decode(utf16encoded))
	if len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return s
}

// readMinidumpHeader reads the minidump file header
func readMinidumpHeader(mdmp *Minidump, buf *minidumpBuf) {
	buf.ctx = "reading minidump header"

	if sig := buf.u32(); sig != minidumpSignature {
		if buf.err == nil {
			buf.err = ErrNotAMinidump{"signature", sig}
		}
		return
	}

	if ver := buf.u16(); ver != minidumpVersion {
		if buf.err == nil {
			buf.err = ErrNotAMinidump{"version", uint32(ver)}
		}
		return
	}

	buf.u16() // implementation specific version
	mdmp.streamNum = buf.u32()
	mdmp.streamOff = buf.u32()
	buf.u32() // checksum, but it's always 0
	mdmp.Timestamp = buf.u32()
	mdmp.Flags = buf.u64()
}

// readDirectory reads the list of streams (i.e. the minidump "directory")
func readDirectory(mdmp *Minidump, buf *minidumpBuf) {
	buf.off = int(mdmp.streamOff)

	if uint64(mdmp.streamNum)*12 > uint64(len(buf.buf)) {
		buf.err = fmt.Errorf("minidump directory of %d streams is larger than the file", mdmp.streamNum)
		return
	}

	mdmp.Streams = make([]Stream, mdmp.streamNum)
	for i := range mdmp.Streams {
		buf.ctx = fmt.Sprintf("reading stream directory entry %d", i)
		stream := &mdmp.Streams[i]
		stream.Type = StreamType(buf.u32())
		stream.Offset, stream.RawData = readLocationDescriptor(buf)
		if buf.err != nil {
			return
		}
	}
}

// readLocationDescriptor reads a location descriptor structure (a structure
// which describes a subregion of the file), and returns the destination
// offset and a slice into the minidump file's buffer.
func readLocationDescriptor(buf *minidumpBuf) (off int, rawData []byte) {
	sz := buf.u32()
	off = int(buf.u32())
	if buf.err != nil {
		return off, nil
	}
	end := off + int(sz)
	if off > len(buf.buf) || end > len(buf.buf) {
		buf.err = fmt.Errorf("location starting at %#x of size %#x is past the end of file, while %s", off, sz, buf.ctx)
		return 0, nil
	}
	rawData = buf.buf[off:end]
	return
}

func readString(buf *minidumpBuf) string {
	startOff := buf.off
	sz := buf.u32()
	if buf.err != nil {
		return ""
	}
	end := buf.off + int(sz)
	if end > len(buf.buf) {
		buf.err = fmt.Errorf("string starting at %#x of size %#x is past the end of file, while %s", startOff, sz, buf.ctx)
		return ""
	}
	return decodeUTF16(buf.buf[buf.off:end])
}

// readModuleList reads a module list stream and adds the modules to the minidump.
func readModuleList(mdmp *Minidump, buf *minidumpBuf) {
	moduleNum := buf.u32()
	if buf.err != nil {
		return
	}

	for i := uint32(0); i < moduleNum; i++ {
		buf.ctx = fmt.Sprintf("reading module list entry %d", i)
		var module Module

		module.BaseOfImage = buf.u64()
		module.SizeOfImage = buf.u32()
		module.Checksum = buf.u32()
		module.TimeDateStamp = buf.u32()
		nameOff := int(buf.u32())

		buf.skip(vsFixedFileInfoSize)
		readLocationDescriptor(buf) // CodeView record
		readLocationDescriptor(buf) // misc record
		buf.u64()                   // reserved
		buf.u64()                   // reserved

		if buf.err != nil {
			return
		}

		nameBuf := minidumpBuf{buf: buf.buf, kind: "file", off: nameOff, err: nil, ctx: buf.ctx}
		module.Name = readString(&nameBuf)
		if nameBuf.err != nil {
			buf.err = nameBuf.err
			return
		}
		mdmp.Modules = append(mdmp.Modules, module)
	}
}

// readMemoryList reads a _MINIDUMP_MEMORY_LIST structure, an array of
// memory descriptors each pointing at its own data.
func readMemoryList(mdmp *Minidump, buf *minidumpBuf, logfn func(fmt string, args ...interface{})) {
	rangesNum := buf.u32()
	for i := uint32(0); i < rangesNum && buf.err == nil; i++ {
		addr := buf.u64()
		off, rawData := readLocationDescriptor(buf)
		if buf.err != nil {
			return
		}
		mdmp.addMemory(addr, rawData)
		if logfn != nil {
			logfn("\tMemory %d addr:%#x size:%#x FileOffset:%#x\n", i, addr, len(rawData), off)
		}
	}
}

// readMemory64List reads a _MINIDUMP_MEMORY64_LIST structure, containing
// the description of the process memory.
// See: https://learn.microsoft.com/en-us/windows/win32/api/minidumpapiset/ns-minidumpapiset-minidump_memory64_list
func readMemory64List(mdmp *Minidump, buf *minidumpBuf, logfn func(fmt string, args ...interface{})) {
	rangesNum := buf.u64()
	baseOff := int(buf.u64())
	if buf.err != nil {
		return
	}

	for i := uint64(0); i < rangesNum; i++ {
		addr := buf.u64()
		sz := buf.u64()
		if buf.err != nil {
			return
		}

		end := baseOff + int(sz)
		if baseOff > len(buf.buf) || end > len(buf.buf) || end < baseOff {
			buf.err = fmt.Errorf("memory range at %#x of size %#x is past the end of file, while %s", baseOff, sz, buf.ctx)
			return
		}

		mdmp.addMemory(addr, buf.buf[baseOff:end])

		if logfn != nil {
			logfn("\tMemory %d addr:%#x size:%#x FileOffset:%#x\n", i, addr, sz, baseOff)
		}

		baseOff = end
	}
}

// readMiscInfo reads the process_id from a MiscInfo stream.
func readMiscInfo(mdmp *Minidump, buf *minidumpBuf) {
	buf.u32() // size of info
	buf.u32() // flags1

	mdmp.Pid = buf.u32() // process_id
	// there are more fields here, but we don't care about them
}

func (mdmp *Minidump) addMemory(addr uint64, data []byte) {
	mdmp.MemoryRanges = append(mdmp.MemoryRanges, MemoryRange{addr, data})
}

// FindModule returns the module whose path ends with name, ignoring case.
func (mdmp *Minidump) FindModule(name string) (*Module, bool) {
	name = strings.ToLower(name)
	for i := range mdmp.Modules {
		modname := strings.ToLower(mdmp.Modules[i].Name)
		if modname == name || strings.HasSuffix(modname, `\`+name) || strings.HasSuffix(modname, "/"+name) {
			return &mdmp.Modules[i], true
		}
	}
	return nil, false
}

// ReadModule returns the SizeOfImage bytes of memory starting at the base of
// m. Parts of the image that were not saved to the minidump are zeroed, the
// number of missing bytes is returned.
func (mdmp *Minidump) ReadModule(m *Module) (img []byte, missing uint64) {
	img = make([]byte, m.SizeOfImage)
	start, end := m.BaseOfImage, m.BaseOfImage+uint64(m.SizeOfImage)
	var spans [][2]uint64
	for _, r := range mdmp.MemoryRanges {
		rstart, rend := r.Addr, r.Addr+uint64(len(r.Data))
		if rend <= start || rstart >= end {
			continue
		}
		lo, hi := rstart, rend
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		copy(img[lo-start:hi-start], r.Data[lo-rstart:hi-rstart])
		spans = append(spans, [2]uint64{lo, hi})
	}

	// Ranges may overlap, count each covered byte once.
	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })
	covered, reach := uint64(0), start
	for _, sp := range spans {
		if sp[0] > reach {
			reach = sp[0]
		}
		if sp[1] > reach {
			covered += sp[1] - reach
			reach = sp[1]
		}
	}
	return img, uint64(m.SizeOfImage) - covered
}
