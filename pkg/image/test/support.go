// Package test builds synthetic PE images for the tests of the packages
// that consume them.
package test

import (
	"encoding/binary"
)

const (
	// NTHeaderOffset is where the NT signature of every fixture lives.
	NTHeaderOffset = 0x80
	// OptionalHeaderSize is the size of the (PE32+) optional header.
	OptionalHeaderSize = 0xf0
	// SectionTableOffset is the offset of the first section header.
	SectionTableOffset = NTHeaderOffset + 4 + 20 + OptionalHeaderSize
	// DefaultSizeOfHeaders is used when a Fixture leaves SizeOfHeaders unset.
	DefaultSizeOfHeaders = 0x400
)

// Section describes one section of a fixture image.
type Section struct {
	Name           string
	VirtualAddress uint32
	VirtualSize    uint32
	RawPointer     uint32
	RawSize        uint32
	// Data is placed at the start of the section, it must not be longer
	// than RawSize.
	Data []byte
}

// Fixture is a synthetic image.
type Fixture struct {
	SizeOfHeaders uint32
	Sections      []Section
}

func (fx *Fixture) sizeOfHeaders() uint32 {
	if fx.SizeOfHeaders == 0 {
		return DefaultSizeOfHeaders
	}
	return fx.SizeOfHeaders
}

func (fx *Fixture) headers() []byte {
	hdr := make([]byte, SectionTableOffset+len(fx.Sections)*40)
	hdr[0], hdr[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(hdr[0x3c:], NTHeaderOffset)
	copy(hdr[NTHeaderOffset:], "PE\x00\x00")

	fh := hdr[NTHeaderOffset+4:]
	binary.LittleEndian.PutUint16(fh[0:], 0x8664)
	binary.LittleEndian.PutUint16(fh[2:], uint16(len(fx.Sections)))
	binary.LittleEndian.PutUint16(fh[16:], OptionalHeaderSize)

	opt := hdr[NTHeaderOffset+4+20:]
	binary.LittleEndian.PutUint16(opt[0:], 0x20b)
	binary.LittleEndian.PutUint32(opt[60:], fx.sizeOfHeaders())

	for i, sec := range fx.Sections {
		sh := hdr[SectionTableOffset+i*40:]
		copy(sh[:8], sec.Name)
		binary.LittleEndian.PutUint32(sh[8:], sec.VirtualSize)
		binary.LittleEndian.PutUint32(sh[12:], sec.VirtualAddress)
		binary.LittleEndian.PutUint32(sh[16:], sec.RawSize)
		binary.LittleEndian.PutUint32(sh[20:], sec.RawPointer)
	}
	return hdr
}

// Raw returns the fixture in on-disk layout.
func (fx *Fixture) Raw() []byte {
	size := fx.sizeOfHeaders()
	for _, sec := range fx.Sections {
		if end := sec.RawPointer + sec.RawSize; end > size {
			size = end
		}
	}
	out := make([]byte, size)
	copy(out, fx.headers())
	for _, sec := range fx.Sections {
		if sec.RawSize == 0 || sec.RawPointer == 0 {
			continue
		}
		copy(out[sec.RawPointer:sec.RawPointer+sec.RawSize], sec.Data)
	}
	return out
}

// Virtual returns the fixture as it would be captured from the memory of a
// process that loaded it.
func (fx *Fixture) Virtual() []byte {
	size := fx.sizeOfHeaders()
	for _, sec := range fx.Sections {
		vsize := sec.VirtualSize
		if sec.RawSize > vsize {
			vsize = sec.RawSize
		}
		if end := sec.VirtualAddress + vsize; end > size {
			size = end
		}
	}
	out := make([]byte, size)
	copy(out, fx.headers())
	for _, sec := range fx.Sections {
		copy(out[sec.VirtualAddress:], sec.Data)
	}
	return out
}

// Magic is the metadata header magic in on-disk byte order.
var Magic = []byte{0xaf, 0x1b, 0xb1, 0xfa}

// Header returns the 8 byte metadata header for version.
func Header(version uint32) []byte {
	hdr := make([]byte, 8)
	copy(hdr, Magic)
	binary.LittleEndian.PutUint32(hdr[4:], version)
	return hdr
}

// Xor returns a copy of data XOR-ed with the repeating key.
func Xor(data []byte, key ...byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i%len(key)]
	}
	return out
}

// Filler returns n bytes of deterministic noise that contains neither the
// magic nor any XOR-ed rendition of it.
func Filler(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 7)
	}
	return out
}
