// Package image parses the minimal subset of a PE executable image needed
// to locate data inside it: the DOS and NT signatures, the COFF file header
// and the section table.
//
// The parser works on a byte slice and never touches the filesystem. It is
// deliberately more forgiving than debug/pe: optional header contents are
// not validated (only SizeOfHeaders is read) and sections without file
// backed content are dropped instead of rejected, since packed images
// routinely carry odd section tables.
//
// The file format is described on MSDN starting at:
//
//	https://learn.microsoft.com/en-us/windows/win32/debug/pe-format
package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	dosSignature = 0x5a4d     // 'MZ'
	ntSignature  = 0x00004550 // 'PE\0\0'

	minImageSize        = 0x40
	lfanewOffset        = 0x3c
	fileHeaderSize      = 20
	sectionHeaderSize   = 40
	sizeOfHeadersOffset = 60 // inside the optional header, same for PE32 and PE32+
)

// ErrNoSectionsFound is returned by Parse when the section table does not
// contain a single section with file backed content.
var ErrNoSectionsFound = errors.New("no usable sections found in image")

// ErrMalformedImage is returned when a signature check fails or the buffer
// is too short to hold the structures the headers describe.
type ErrMalformedImage struct {
	What   string
	Offset int
}

func (err *ErrMalformedImage) Error() string {
	return fmt.Sprintf("malformed image: %s (offset %#x)", err.What, err.Offset)
}

// Provenance describes how the bytes of an image buffer are laid out.
type Provenance uint8

const (
	// RawLayout is the on-disk layout: section contents sit at their raw
	// pointers.
	RawLayout Provenance = iota
	// VirtualLayout is a capture of a loaded module starting at its load
	// base: buffer offsets are relative virtual addresses.
	VirtualLayout
)

func (p Provenance) String() string {
	switch p {
	case RawLayout:
		return "raw-layout"
	case VirtualLayout:
		return "virtual-layout"
	}
	return fmt.Sprintf("Provenance(%d)", uint8(p))
}

// ParseProvenance converts the textual name of a layout back to a Provenance.
func ParseProvenance(s string) (Provenance, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raw", "raw-layout", "file":
		return RawLayout, nil
	case "virtual", "virtual-layout", "memory":
		return VirtualLayout, nil
	}
	return RawLayout, fmt.Errorf("unknown layout %q", s)
}

// Section is an entry of the section table that has file backed content.
type Section struct {
	Name         string
	RawStart     uint64
	RawEnd       uint64
	VirtualStart uint64
	VirtualSize  uint64
}

// RawSize returns the number of bytes of the section stored in the file.
func (s *Section) RawSize() uint64 {
	return s.RawEnd - s.RawStart
}

// Contains returns true if the raw offset off falls inside the section.
func (s *Section) Contains(off uint64) bool {
	return s.RawStart <= off && off < s.RawEnd
}

// Image is the parsed header of an executable image.
type Image struct {
	// Sections lists the usable sections in section table order.
	Sections []Section
	// SizeOfHeaders is the size of the header block, which is laid out
	// identically in raw and virtual layout.
	SizeOfHeaders uint64
	// NumberOfSections is the section count declared by the file header,
	// including sections that were dropped.
	NumberOfSections int
}

// SectionFor returns the first section containing the raw offset off.
func (img *Image) SectionFor(off uint64) (*Section, bool) {
	for i := range img.Sections {
		if img.Sections[i].Contains(off) {
			return &img.Sections[i], true
		}
	}
	return nil, false
}

// SectionsNamed returns the sections whose name matches one of names,
// ignoring case.
func (img *Image) SectionsNamed(names []string) []Section {
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			wanted[name] = true
		}
	}
	r := []Section{}
	for _, sec := range img.Sections {
		if wanted[strings.ToLower(sec.Name)] {
			r = append(r, sec)
		}
	}
	return r
}

type imageBuf struct {
	buf []byte
	off int
	err error
	ctx string
}

func (buf *imageBuf) truncated(stride int) bool {
	if buf.err != nil {
		return true
	}
	if buf.off < 0 || buf.off+stride > len(buf.buf) {
		buf.err = &ErrMalformedImage{What: "truncated while " + buf.ctx, Offset: buf.off}
		return true
	}
	return false
}

func (buf *imageBuf) u16() uint16 {
	const stride = 2
	if buf.truncated(stride) {
		return 0
	}
	r := binary.LittleEndian.Uint16(buf.buf[buf.off : buf.off+stride])
	buf.off += stride
	return r
}

func (buf *imageBuf) u32() uint32 {
	const stride = 4
	if buf.truncated(stride) {
		return 0
	}
	r := binary.LittleEndian.Uint32(buf.buf[buf.off : buf.off+stride])
	buf.off += stride
	return r
}

func (buf *imageBuf) name() string {
	const stride = 8
	if buf.truncated(stride) {
		return ""
	}
	raw := buf.buf[buf.off : buf.off+stride]
	buf.off += stride
	if i := strings.IndexByte(string(raw), 0); i >= 0 {
		raw = raw[:i]
	}
	return strings.ToValidUTF8(string(raw), "")
}

// Parse reads the DOS header, the NT headers and the section table of the
// image contained in data.
func Parse(data []byte) (*Image, error) {
	if len(data) < minImageSize {
		return nil, &ErrMalformedImage{What: fmt.Sprintf("image too short (%d bytes)", len(data)), Offset: 0}
	}
	buf := &imageBuf{buf: data, ctx: "reading DOS header"}

	if sig := buf.u16(); sig != dosSignature {
		return nil, &ErrMalformedImage{What: fmt.Sprintf("invalid DOS signature %#04x", sig), Offset: 0}
	}

	buf.off = lfanewOffset
	ntOff := int(buf.u32())
	if buf.err != nil {
		return nil, buf.err
	}

	buf.off = ntOff
	buf.ctx = "reading NT signature"
	sig := buf.u32()
	if buf.err != nil {
		return nil, buf.err
	}
	if sig != ntSignature {
		return nil, &ErrMalformedImage{What: fmt.Sprintf("invalid NT signature %#08x", sig), Offset: ntOff}
	}

	img := &Image{}

	buf.ctx = "reading file header"
	fileHeaderOff := buf.off
	buf.u16() // machine
	img.NumberOfSections = int(buf.u16())
	buf.u32() // timestamp
	buf.u32() // pointer to symbol table
	buf.u32() // number of symbols
	optSize := int(buf.u16())
	buf.u16() // characteristics
	if buf.err != nil {
		return nil, buf.err
	}

	optOff := fileHeaderOff + fileHeaderSize
	sectOff := optOff + optSize
	sectEnd := sectOff + img.NumberOfSections*sectionHeaderSize
	if sectEnd > len(data) {
		return nil, &ErrMalformedImage{What: fmt.Sprintf("section table of %d entries past the end of the buffer", img.NumberOfSections), Offset: sectOff}
	}

	img.SizeOfHeaders = uint64(sectEnd)
	if optSize >= sizeOfHeadersOffset+4 {
		buf.off = optOff + sizeOfHeadersOffset
		buf.ctx = "reading optional header"
		if soh := buf.u32(); soh != 0 {
			img.SizeOfHeaders = uint64(soh)
		}
		if buf.err != nil {
			return nil, buf.err
		}
	}

	for i := 0; i < img.NumberOfSections; i++ {
		buf.off = sectOff + i*sectionHeaderSize
		buf.ctx = fmt.Sprintf("reading section header %d", i)

		name := buf.name()
		virtualSize := buf.u32()
		virtualAddress := buf.u32()
		rawSize := buf.u32()
		rawPtr := buf.u32()
		if buf.err != nil {
			return nil, buf.err
		}

		if rawSize == 0 || rawPtr == 0 {
			continue
		}
		img.Sections = append(img.Sections, Section{
			Name:         name,
			RawStart:     uint64(rawPtr),
			RawEnd:       uint64(rawPtr) + uint64(rawSize),
			VirtualStart: uint64(virtualAddress),
			VirtualSize:  uint64(virtualSize),
		})
	}

	if len(img.Sections) == 0 {
		return nil, ErrNoSectionsFound
	}
	return img, nil
}
