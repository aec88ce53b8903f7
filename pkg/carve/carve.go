// Package carve slices a metadata blob out of an image buffer and undoes
// the encoding it was found in.
package carve

import (
	"errors"
	"fmt"

	"github.com/metacarve/metacarve/pkg/scan"
)

// OverrideSize is the size of a header override.
const OverrideSize = scan.HeaderSize

// ErrBadOverride is returned when a header override is not 8 bytes long.
var ErrBadOverride = errors.New("header override must be exactly 8 bytes")

// Options controls how a candidate is carved.
type Options struct {
	// Extend moves the end of the carve past the end of the section.
	// Negative values are treated as 0.
	Extend int64
	// Override, if set, replaces the first 8 bytes of the decoded blob.
	Override []byte
}

// Bounds returns the range [start, end) of a buffer of length size that
// carving c covers.
func Bounds(size int, c *scan.Candidate, extend int64) (start, end uint64) {
	if extend < 0 {
		extend = 0
	}
	start, end = c.Offset, c.Section.RawEnd+uint64(extend)
	if end > uint64(size) {
		end = uint64(size)
	}
	if start > uint64(size) {
		start = uint64(size)
	}
	if end < start {
		end = start
	}
	return start, end
}

// Decode returns a decoded copy of raw, which starts at a header found in
// mode with key.
func Decode(raw []byte, mode scan.Mode, key []byte) []byte {
	out := make([]byte, len(raw))
	copy(out, raw)
	switch mode {
	case scan.ModeReversed:
		copy(out, scan.Magic[:])
	case scan.ModeXor1:
		k := key[0]
		for i := range out {
			out[i] ^= k
		}
	case scan.ModeXor4:
		for i := range out {
			out[i] ^= key[i&3]
		}
	}
	return out
}

// Carve returns the decoded blob starting at c. The source buffer is not
// modified.
func Carve(data []byte, c *scan.Candidate, opts Options) ([]byte, error) {
	if opts.Override != nil && len(opts.Override) != OverrideSize {
		return nil, ErrBadOverride
	}
	start, end := Bounds(len(data), c, opts.Extend)
	out := Decode(data[start:end], c.Mode, c.Key)
	if opts.Override != nil {
		return ApplyOverride(out, opts.Override)
	}
	return out, nil
}

// ApplyOverride writes override over the first 8 bytes of blob, growing it
// if it is shorter than that.
func ApplyOverride(blob, override []byte) ([]byte, error) {
	if len(override) != OverrideSize {
		return nil, ErrBadOverride
	}
	if len(blob) < OverrideSize {
		blob = append(blob, make([]byte, OverrideSize-len(blob))...)
	}
	copy(blob, override)
	return blob, nil
}

// HasMagic returns true if blob starts with the metadata magic.
func HasMagic(blob []byte) bool {
	return len(blob) >= len(scan.Magic) && string(blob[:len(scan.Magic)]) == string(scan.Magic[:])
}

// PlausibleFileName is the name a plausible candidate is dumped as; i is
// its 1-based rank.
func PlausibleFileName(i int, c *scan.Candidate) string {
	return fmt.Sprintf("global-metadata.plaus%02d_off%08X_ver%d_%s.dat", i, c.Offset, c.Version, c.Mode)
}

// SuspectFileName is the name a suspect candidate is dumped as.
func SuspectFileName(c *scan.Candidate) string {
	return fmt.Sprintf("global-metadata.sus_off%08X_ver%d_%s.dat", c.Offset, c.Version, c.Mode)
}
