package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidName is returned for a name that does not denote a file in the store.
var ErrInvalidName = errors.New("invalid file name")

// New returns a store rooted at dir.
func New(dir string) *S {
	return &S{dir: dir}
}

// S is a flat directory of uploaded images and their segmentation results.
//
// Names are the only keys. Writing a name that already exists replaces the file.
type S struct {
	dir string
}

// Dir returns the root directory.
func (s *S) Dir() string {
	return s.dir
}

// EnsureDir creates the root directory if it does not exist.
func (s *S) EnsureDir() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create upload directory: %s", err)
	}
	return nil
}

// Path returns the path of the named file.
func (s *S) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Save writes the content of r to the named file.
func (s *S) Save(name string, r io.Reader) error {
	if name != SanitizeFilename(name) || name == "" {
		return ErrInvalidName
	}
	f, err := os.Create(s.Path(name))
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return err
	}
	return nil
}

// Remove deletes the named file. Removing a file that does not exist is not an error.
func (s *S) Remove(name string) error {
	if name != SanitizeFilename(name) || name == "" {
		return ErrInvalidName
	}
	if err := os.Remove(s.Path(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SanitizeFilename strips directory components from a client supplied name.
// It returns an empty string if nothing usable is left.
func SanitizeFilename(name string) string {
	// Some clients send Windows paths.
	name = strings.ReplaceAll(name, `\`, "/")
	base := filepath.Base(name)
	switch base {
	case ".", "..", "/":
		return ""
	}
	return base
}
