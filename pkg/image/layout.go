package image

import (
	"fmt"
	"math"
)

// maxRawGrowth bounds the raw layout size relative to the capture it is
// rebuilt from.
const maxRawGrowth = 4

// RawLayoutSize returns the size of the raw layout rendition of img: the
// larger of the header block and the furthest end of a section's raw data.
func (img *Image) RawLayoutSize() uint64 {
	size := img.SizeOfHeaders
	for i := range img.Sections {
		if end := img.Sections[i].RawEnd; end > size {
			size = end
		}
	}
	return size
}

// ToRawLayout rewrites virt, a capture of a loaded module starting at its
// load base, into the layout the image has on disk.
//
// The header block is copied verbatim, then for every section RawSize bytes
// are moved from its virtual address to its raw pointer. Bytes of a
// section's virtual region past RawSize are dropped. Regions that the
// capture does not cover are left zeroed.
//
// An ErrMalformedImage is returned if the headers describe a raw layout
// larger than 4GiB or far larger than the capture.
func ToRawLayout(virt []byte, img *Image) ([]byte, error) {
	size := img.RawLayoutSize()
	if size > math.MaxUint32 || size > maxRawGrowth*uint64(len(virt)) {
		return nil, &ErrMalformedImage{What: fmt.Sprintf("raw layout of %#x bytes from a %#x byte capture", size, len(virt)), Offset: 0}
	}
	out := make([]byte, size)
	copy(out, virt[:clip(img.SizeOfHeaders, len(virt))])

	for i := range img.Sections {
		sec := &img.Sections[i]
		if sec.RawSize() == 0 {
			continue
		}
		if sec.VirtualStart >= uint64(len(virt)) {
			continue
		}
		src := virt[sec.VirtualStart:clip(sec.VirtualStart+sec.RawSize(), len(virt))]
		copy(out[sec.RawStart:sec.RawEnd], src)
	}
	return out, nil
}

func clip(n uint64, max int) uint64 {
	if n > uint64(max) {
		return uint64(max)
	}
	return n
}
