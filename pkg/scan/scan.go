// Package scan looks for metadata headers hidden in an image, either
// verbatim, byte reversed or XOR-ed with a 1 or 4 byte repeating key.
//
// Every mode is a separate linear pass over the scanned ranges; the passes
// only ever read an 8 byte window past the current offset and never copy
// the buffer. Hits are classified as plausible or suspect depending on the
// version field, the caller then deduplicates and ranks them (see Dedup and
// Rank).
package scan

import (
	"bytes"
	"time"

	"github.com/metacarve/metacarve/pkg/image"
)

// Options controls which ranges are scanned and how hits are classified.
type Options struct {
	// Sections restricts the scan to the sections with these names
	// (case-insensitive). An empty list scans every usable section.
	Sections []string
	// ScanAll scans the whole buffer as a single range, ignoring Sections.
	ScanAll bool
	// NoVersionCheck makes every magic match plausible.
	NoVersionCheck bool
	// Modes selects the passes to run, nil runs all of them.
	Modes []Mode
}

// Range is a half open interval of buffer offsets.
type Range struct {
	Start, End uint64
}

// Len returns the size of the range.
func (r Range) Len() uint64 {
	return r.End - r.Start
}

// ModeStats describes a single scan pass.
type ModeStats struct {
	Mode Mode
	// Hits counts pattern matches, including the ones outside of every
	// section.
	Hits      int
	Discarded int
	Plausible int
	Suspects  int
	Bytes     uint64
	Duration  time.Duration
}

// Stats describes a scan.
type Stats struct {
	Ranges   []Range
	Modes    []ModeStats
	Duration time.Duration
}

// Result is the outcome of Scan.
type Result struct {
	Plausible []Candidate
	Suspects  []Candidate
	Stats     Stats
}

// Ranges returns the ranges of data that Scan will look at.
//
// If a section filter is given but matches nothing the whole buffer is
// scanned.
func Ranges(data []byte, img *image.Image, opts *Options) []Range {
	whole := []Range{{0, uint64(len(data))}}
	if opts.ScanAll {
		return whole
	}
	secs := img.Sections
	if len(opts.Sections) > 0 {
		secs = img.SectionsNamed(opts.Sections)
	}
	r := []Range{}
	for _, sec := range secs {
		end := sec.RawEnd
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		if sec.RawStart >= end {
			continue
		}
		r = append(r, Range{sec.RawStart, end})
	}
	if len(r) == 0 {
		return whole
	}
	return r
}

type scanner struct {
	data []byte
	img  *image.Image
	opts *Options
	res  *Result
	st   *ModeStats
}

// Scan runs the selected passes over data, whose raw layout is described
// by img.
func Scan(data []byte, img *image.Image, opts Options) *Result {
	t0 := time.Now()
	res := &Result{}
	res.Stats.Ranges = Ranges(data, img, &opts)

	modes := opts.Modes
	if modes == nil {
		modes = Modes
	}

	s := &scanner{data: data, img: img, opts: &opts, res: res}
	for _, mode := range modes {
		res.Stats.Modes = append(res.Stats.Modes, ModeStats{Mode: mode})
		s.st = &res.Stats.Modes[len(res.Stats.Modes)-1]
		t1 := time.Now()
		for _, rng := range res.Stats.Ranges {
			switch mode {
			case ModePlain:
				s.scanExact(rng, Magic[:], ModePlain)
			case ModeReversed:
				s.scanExact(rng, []byte{Magic[3], Magic[2], Magic[1], Magic[0]}, ModeReversed)
			case ModeXor1:
				s.scanXor1(rng)
			case ModeXor4:
				s.scanXor4(rng)
			}
			s.st.Bytes += rng.Len()
		}
		s.st.Duration = time.Since(t1)
	}
	res.Stats.Duration = time.Since(t0)
	return res
}

func (s *scanner) scanExact(rng Range, pattern []byte, mode Mode) {
	at := rng.Start
	for at < rng.End {
		i := bytes.Index(s.data[at:rng.End], pattern)
		if i < 0 {
			return
		}
		s.add(at+uint64(i), mode, nil)
		at += uint64(i) + 1
	}
}

func (s *scanner) scanXor1(rng Range) {
	d := s.data
	for i := rng.Start; i+HeaderSize <= rng.End; i++ {
		k := d[i] ^ Magic[0]
		if k == 0 {
			continue
		}
		if d[i+1]^k == Magic[1] && d[i+2]^k == Magic[2] && d[i+3]^k == Magic[3] {
			s.add(i, ModeXor1, []byte{k})
		}
	}
}

// scanXor4 derives the key from the first 4 bytes at every offset, so the
// magic always decodes: only hits whose version is plausible are kept.
// Keys that are all zero or uniform are left to the plain and xor1 passes.
func (s *scanner) scanXor4(rng Range) {
	d := s.data
	for i := rng.Start; i+HeaderSize <= rng.End; i++ {
		k0 := d[i] ^ Magic[0]
		k1 := d[i+1] ^ Magic[1]
		k2 := d[i+2] ^ Magic[2]
		k3 := d[i+3] ^ Magic[3]
		if k0 == k1 && k1 == k2 && k2 == k3 {
			continue
		}
		if !s.opts.NoVersionCheck {
			v := uint32(d[i+4]^k0) | uint32(d[i+5]^k1)<<8 | uint32(d[i+6]^k2)<<16 | uint32(d[i+7]^k3)<<24
			if !PlausibleVersion(v) {
				continue
			}
		}
		s.add(i, ModeXor4, []byte{k0, k1, k2, k3})
	}
}

func (s *scanner) add(off uint64, mode Mode, key []byte) {
	s.st.Hits++
	sec, ok := s.img.SectionFor(off)
	if !ok {
		s.st.Discarded++
		return
	}

	end := off + HeaderSize
	if end > uint64(len(s.data)) {
		end = uint64(len(s.data))
	}
	hdr := DecodeHeader(s.data[off:end], mode, key)
	if !hasMagic(hdr) {
		return
	}

	c := Candidate{Offset: off, Mode: mode, Key: key, Section: *sec}
	c.Version, c.HasVersion = headerVersion(hdr)

	if s.opts.NoVersionCheck || (c.HasVersion && PlausibleVersion(c.Version)) {
		s.res.Plausible = append(s.res.Plausible, c)
		s.st.Plausible++
	} else {
		s.res.Suspects = append(s.res.Suspects, c)
		s.st.Suspects++
	}
}
