package carve

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/metacarve/metacarve/pkg/image"
	"github.com/metacarve/metacarve/pkg/scan"
)

// DefaultHeaderOffset is the usual distance between a metadata signature
// and the start of the blob.
const DefaultHeaderOffset = 252

var errEmptySignature = errors.New("empty signature")

// ErrSignatureNotFound is returned by LocateSignature when the signature
// does not occur in the buffer.
type ErrSignatureNotFound struct {
	Signature []byte
}

func (err *ErrSignatureNotFound) Error() string {
	return fmt.Sprintf("signature %x not found in image", err.Signature)
}

// ErrBadBackOffset is returned when subtracting the back offset from the
// signature position does not land inside the buffer.
type ErrBadBackOffset struct {
	Hit        uint64
	BackOffset int64
}

func (err *ErrBadBackOffset) Error() string {
	return fmt.Sprintf("signature found at %#x but the blob would start %d bytes before it, outside of the image", err.Hit, err.BackOffset)
}

// ErrStartOutsideSections is returned when the blob start located through a
// signature is not inside any section.
type ErrStartOutsideSections struct {
	Offset uint64
}

func (err *ErrStartOutsideSections) Error() string {
	return fmt.Sprintf("blob start %#x is not inside any section", err.Offset)
}

// LocateSignature finds the first occurrence of sig in data and returns a
// plain candidate starting backOffset bytes before it. The section
// containing the start bounds the carve.
func LocateSignature(data []byte, img *image.Image, sig []byte, backOffset int64) (*scan.Candidate, error) {
	if len(sig) == 0 {
		return nil, errEmptySignature
	}
	pos := bytes.Index(data, sig)
	if pos < 0 {
		return nil, &ErrSignatureNotFound{Signature: sig}
	}
	start := int64(pos) - backOffset
	if start < 0 || start >= int64(len(data)) {
		return nil, &ErrBadBackOffset{Hit: uint64(pos), BackOffset: backOffset}
	}
	sec, ok := img.SectionFor(uint64(start))
	if !ok {
		return nil, &ErrStartOutsideSections{Offset: uint64(start)}
	}
	c := &scan.Candidate{Offset: uint64(start), Mode: scan.ModePlain, Section: *sec}
	if start+scan.HeaderSize <= int64(len(data)) {
		c.Version = binary.LittleEndian.Uint32(data[start+4 : start+scan.HeaderSize])
		c.HasVersion = true
	}
	return c, nil
}
