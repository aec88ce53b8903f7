package scan

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/metacarve/metacarve/pkg/image"
)

// Magic is the first 4 bytes of a metadata header, as stored on disk.
var Magic = [4]byte{0xaf, 0x1b, 0xb1, 0xfa}

// HeaderSize is the size of the magic/version header.
const HeaderSize = 8

const (
	MinVersion = 10
	MaxVersion = 50
)

// PlausibleVersion returns true if v looks like a metadata version.
func PlausibleVersion(v uint32) bool {
	return MinVersion <= v && v <= MaxVersion
}

// Mode is the encoding a header was found in.
type Mode uint8

const (
	ModePlain Mode = iota
	ModeReversed
	ModeXor1
	ModeXor4
)

// Modes lists every mode in scan order.
var Modes = []Mode{ModePlain, ModeReversed, ModeXor1, ModeXor4}

func (m Mode) String() string {
	switch m {
	case ModePlain:
		return "plain"
	case ModeReversed:
		return "rev"
	case ModeXor1:
		return "xor1"
	case ModeXor4:
		return "xor4"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// ParseMode returns the mode called s.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plain":
		return ModePlain, nil
	case "rev", "reversed":
		return ModeReversed, nil
	case "xor1":
		return ModeXor1, nil
	case "xor4":
		return ModeXor4, nil
	}
	return ModePlain, fmt.Errorf("unknown scan mode %q", s)
}

// Candidate is a location where a metadata header decodes.
type Candidate struct {
	Offset uint64
	Mode   Mode
	// Key is empty for ModePlain and ModeReversed, 1 byte long for
	// ModeXor1 and 4 bytes long for ModeXor4.
	Key []byte
	// Version is only meaningful if HasVersion is set.
	Version    uint32
	HasVersion bool
	Section    image.Section
}

// CarveLen is the distance between the candidate and the end of its
// section.
func (c *Candidate) CarveLen() uint64 {
	return c.Section.RawEnd - c.Offset
}

// VersionString formats the version, or "?" when there is none.
func (c *Candidate) VersionString() string {
	if !c.HasVersion {
		return "?"
	}
	return fmt.Sprintf("%d", c.Version)
}

// KeyString formats the key as a hex string.
func (c *Candidate) KeyString() string {
	if len(c.Key) == 0 {
		return "-"
	}
	return fmt.Sprintf("%x", c.Key)
}

func (c *Candidate) String() string {
	return fmt.Sprintf("%s candidate at %#x (section %s, version %s, key %s)", c.Mode, c.Offset, c.Section.Name, c.VersionString(), c.KeyString())
}

// DecodeHeader decodes the header found at window[0:], which must hold at
// least 4 bytes. The returned header is 8 bytes long only if window was.
//
// Reversed headers only get their magic corrected: the version field is
// read in the byte order it was found in.
func DecodeHeader(window []byte, mode Mode, key []byte) []byte {
	n := len(window)
	if n > HeaderSize {
		n = HeaderSize
	}
	hdr := make([]byte, n)
	copy(hdr, window)
	switch mode {
	case ModeReversed:
		copy(hdr, Magic[:])
	case ModeXor1, ModeXor4:
		for i := range hdr {
			hdr[i] ^= key[i%len(key)]
		}
	}
	return hdr
}

// headerVersion returns the version of a decoded header.
func headerVersion(hdr []byte) (uint32, bool) {
	if len(hdr) < HeaderSize {
		return 0, false
	}
	return binary.LittleEndian.Uint32(hdr[4:HeaderSize]), true
}

func hasMagic(hdr []byte) bool {
	return len(hdr) >= len(Magic) && hdr[0] == Magic[0] && hdr[1] == Magic[1] && hdr[2] == Magic[2] && hdr[3] == Magic[3]
}
