package mountmap

import (
	"errors"
	"os"
)

// errAttributesUnsupported is returned by Attributes implementations when the
// file system cannot carry the immutable attribute.
var errAttributesUnsupported = errors.New("immutable attribute not supported")

// Attributes toggles the file system immutable attribute of an open file.
type Attributes interface {
	SetImmutable(f *os.File, immutable bool) error
}

// noAttributes leaves files alone; the exclusive lock is the only guard.
type noAttributes struct{}

func (noAttributes) SetImmutable(*os.File, bool) error { return nil }
