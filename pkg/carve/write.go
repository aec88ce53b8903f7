package carve

import (
	"fmt"
	"os"
	"path/filepath"
)

// ErrDestinationWrite wraps a failure writing a carved blob.
type ErrDestinationWrite struct {
	Path string
	Err  error
}

func (err *ErrDestinationWrite) Error() string {
	return fmt.Sprintf("could not write %s: %v", err.Path, err.Err)
}

func (err *ErrDestinationWrite) Unwrap() error {
	return err.Err
}

// WriteFile writes blob to path, creating the parent directories.
func WriteFile(path string, blob []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &ErrDestinationWrite{Path: path, Err: err}
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return &ErrDestinationWrite{Path: path, Err: err}
	}
	return nil
}
