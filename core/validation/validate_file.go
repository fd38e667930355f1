package validation

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// FileError describes a file or directory that cannot be used.
type FileError struct {
	Path    string
	Message string
	Err     error
}

func (e *FileError) Error() string {
	return e.Message
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// CheckFileExists returns nil when path is an existing regular file.
func CheckFileExists(path string) error {
	if path == "" {
		return &FileError{Message: "file path cannot be empty"}
	}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &FileError{Path: path, Message: fmt.Sprintf("file not found: %s", path), Err: err}
	case err != nil:
		return &FileError{Path: path, Message: fmt.Sprintf("error checking file %s: %v", path, err), Err: err}
	case info.IsDir():
		return &FileError{Path: path, Message: fmt.Sprintf("path is a directory, not a file: %s", path)}
	}
	return nil
}

// CheckWritableDir creates dir if needed and proves it is writable by
// creating and removing a temporary file.
func CheckWritableDir(dir string) error {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &FileError{Path: dir, Message: fmt.Sprintf("cannot create directory %s: %v", dir, err), Err: err}
	}
	f, err := os.CreateTemp(dir, ".opsconsole-preflight-*")
	if err != nil {
		return &FileError{Path: dir, Message: fmt.Sprintf("directory %s is not writable: %v", dir, err), Err: err}
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
