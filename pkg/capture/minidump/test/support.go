// Package test writes synthetic minidump files.
package test

import (
	"encoding/binary"
	"unicode/utf16"
)

// Module is a module list entry of a synthetic minidump.
type Module struct {
	Name string
	Base uint64
	Size uint32
}

// Memory is a captured memory range of a synthetic minidump.
type Memory struct {
	Addr uint64
	Data []byte
}

// Dump describes a synthetic minidump. Memory is written to a
// Memory64List stream, SmallMemory to a MemoryList stream.
type Dump struct {
	Pid         uint32
	Arch        uint16
	Modules     []Module
	Memory      []Memory
	SmallMemory []Memory
}

type writer struct {
	buf []byte
}

func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) off() uint32  { return uint32(len(w.buf)) }

func (w *writer) putU32(at, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[at:], v)
}

// Bytes serializes the dump.
func (d *Dump) Bytes() []byte {
	const streams = 5
	w := &writer{}

	w.u32(0x504d444d)
	w.u16(0xa793)
	w.u16(0)
	w.u32(streams)
	w.u32(32) // directory right after the header
	w.u32(0)
	w.u32(0)
	w.u64(0)

	dir := w.off()
	for i := 0; i < streams; i++ {
		w.u32(0)
		w.u32(0)
		w.u32(0)
	}
	entry := func(i int, typ, start uint32) {
		at := dir + uint32(i)*12
		w.putU32(at, typ)
		w.putU32(at+4, w.off()-start)
		w.putU32(at+8, start)
	}

	start := w.off()
	w.u16(d.Arch)
	w.buf = append(w.buf, make([]byte, 54)...)
	entry(0, 7, start)

	start = w.off()
	w.u32(0x18)
	w.u32(1)
	w.u32(d.Pid)
	w.buf = append(w.buf, make([]byte, 12)...)
	entry(1, 15, start)

	var nameOffs []uint32
	for _, m := range d.Modules {
		nameOffs = append(nameOffs, w.off())
		name := utf16.Encode([]rune(m.Name))
		w.u32(uint32(len(name) * 2))
		for _, ch := range name {
			w.u16(ch)
		}
		w.u16(0)
	}
	start = w.off()
	w.u32(uint32(len(d.Modules)))
	for i, m := range d.Modules {
		w.u64(m.Base)
		w.u32(m.Size)
		w.u32(0)
		w.u32(0)
		w.u32(nameOffs[i])
		w.buf = append(w.buf, make([]byte, 13*4+8+8+8+8)...)
	}
	entry(2, 4, start)

	var smallOffs []uint32
	for _, m := range d.SmallMemory {
		smallOffs = append(smallOffs, w.off())
		w.buf = append(w.buf, m.Data...)
	}
	start = w.off()
	w.u32(uint32(len(d.SmallMemory)))
	for i, m := range d.SmallMemory {
		w.u64(m.Addr)
		w.u32(uint32(len(m.Data)))
		w.u32(smallOffs[i])
	}
	entry(3, 5, start)

	start = w.off()
	w.u64(uint64(len(d.Memory)))
	baseAt := w.off()
	w.u64(0)
	for _, m := range d.Memory {
		w.u64(m.Addr)
		w.u64(uint64(len(m.Data)))
	}
	entry(4, 9, start)
	binary.LittleEndian.PutUint64(w.buf[baseAt:], uint64(w.off()))
	for _, m := range d.Memory {
		w.buf = append(w.buf, m.Data...)
	}

	return w.buf
}
