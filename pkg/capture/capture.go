// Package capture acquires the bytes of a module image, either from a file
// on disk or from the memory of a process saved in a minidump.
package capture

import (
	"fmt"
	"os"

	"github.com/metacarve/metacarve/pkg/image"
	"github.com/metacarve/metacarve/pkg/logflags"
)

// Capture is a module image buffer together with the layout its bytes are
// in.
type Capture struct {
	Data       []byte
	Provenance image.Provenance
	// Base is the load address of the module for virtual layout captures.
	Base uint64
	// Source describes where the bytes came from.
	Source string

	closer func() error
}

// Close releases the buffer, Data must not be used afterwards.
func (c *Capture) Close() error {
	if c.closer == nil {
		return nil
	}
	err := c.closer()
	c.closer = nil
	c.Data = nil
	return err
}

// Capturer obtains the image of the module called module from the process
// with the given pid.
type Capturer interface {
	CaptureModuleImage(pid int, module string) (*Capture, error)
}

// ErrModuleNotFound is returned when a capture source does not contain the
// requested module.
type ErrModuleNotFound struct {
	Module string
	Source string
}

func (err *ErrModuleNotFound) Error() string {
	return fmt.Sprintf("module %s not found in %s", err.Module, err.Source)
}

// OpenFile maps the file at path read-only. The caller declares the layout
// of its contents.
func OpenFile(path string, prov image.Provenance) (*Capture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}

	data, unmap, err := mapFile(f, fi.Size())
	if err != nil {
		return nil, fmt.Errorf("could not map %s: %v", path, err)
	}
	if logflags.Capture() {
		logflags.CaptureLogger().WithFields(logflags.Fields{"path": path, "layout": prov}).Debugf("mapped %d bytes", len(data))
	}
	return &Capture{Data: data, Provenance: prov, Source: path, closer: unmap}, nil
}
