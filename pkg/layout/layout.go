// Package layout creates the application directory, log file and mountmap
// file at startup.
package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrStoreInit is returned when the application directory or one of its
// files cannot be created. Callers treat it as fatal.
var ErrStoreInit = errors.New("store initialization failed")

const (
	dirMode  os.FileMode = 0755
	fileMode os.FileMode = 0644
)

// Paths lists what must exist before any other component runs.
type Paths struct {
	Dir          string
	LogFile      string
	MountmapFile string
}

// Ensure creates the directory and both files if missing. Existing files are
// left untouched, including their attributes.
func Ensure(paths Paths) error {
	if err := os.MkdirAll(paths.Dir, dirMode); err != nil {
		return fmt.Errorf("%w: create directory %s: %w", ErrStoreInit, paths.Dir, err)
	}

	for _, file := range []string{paths.LogFile, paths.MountmapFile} {
		if err := ensureFile(file); err != nil {
			return fmt.Errorf("%w: create file %s: %w", ErrStoreInit, file, err)
		}
	}

	return nil
}

func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", path)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
	if errors.Is(err, os.ErrExist) {
		// Another process created it first.
		return nil
	}
	if err != nil {
		return err
	}
	return file.Close()
}
