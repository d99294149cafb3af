package cursorstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
)

// FileStore keeps the cursor blob in a single local file, written
// write-tmp-then-rename so a crash mid-write never corrupts the previous
// token.
type FileStore struct {
	path string
}

// NewFileStore returns a Store backed by the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the cursor file. A missing file is reported as absent, not an
// error.
func (f *FileStore) Load(_ context.Context) ([]byte, bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Save atomically replaces the cursor file's contents.
func (f *FileStore) Save(_ context.Context, token []byte) error {
	dir, name := filepath.Dir(f.path), filepath.Base(f.path)
	if dir == "" {
		dir = "."
	}

	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	n, writeErr := tmp.Write(token)
	closeErr := tmp.Close()
	if writeErr == nil && n < len(token) {
		writeErr = io.ErrShortWrite
	}
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		os.Remove(tmpPath)
		return writeErr
	}

	return os.Rename(tmpPath, f.path)
}
