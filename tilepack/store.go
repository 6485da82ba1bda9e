package tilepack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Store is the app-private area holding the provisional and installed package artifacts.
type Store interface {
	Exists(ctx context.Context, name string) (bool, error)
	Size(ctx context.Context, name string) (int64, error)
	// Remove deletes name. Removing a missing artifact is not an error.
	Remove(ctx context.Context, name string) error
	// Rename moves from onto to. Implementations must make this atomic where the platform allows it.
	Rename(ctx context.Context, from, to string) error
	// Create truncates or creates name for writing.
	Create(ctx context.Context, name string) (io.WriteCloser, error)
	// NewRangeReader reads length bytes starting at offset. A negative length reads to the end.
	// Short artifacts return what is available.
	NewRangeReader(ctx context.Context, name string, offset int64, length int64) (io.ReadCloser, error)
	// Path returns the filesystem location the Tile Database opens for name.
	Path(name string) string
}

// DirStore is a Store backed by a directory on disk.
type DirStore struct {
	root string
}

// NewDirStore creates the root directory if needed and returns a DirStore over it.
func NewDirStore(root string) (*DirStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root %s: %w", abs, err)
	}
	return &DirStore{root: abs}, nil
}

func (s *DirStore) Path(name string) string {
	return filepath.Join(s.root, filepath.Base(name))
}

func (s *DirStore) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(s.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *DirStore) Size(_ context.Context, name string) (int64, error) {
	info, err := os.Stat(s.Path(name))
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", name)
	}
	return info.Size(), nil
}

func (s *DirStore) Remove(_ context.Context, name string) error {
	err := os.Remove(s.Path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Rename uses os.Rename, which replaces to atomically on POSIX filesystems.
func (s *DirStore) Rename(_ context.Context, from, to string) error {
	return os.Rename(s.Path(from), s.Path(to))
}

func (s *DirStore) Create(_ context.Context, name string) (io.WriteCloser, error) {
	return os.Create(s.Path(name))
}

func (s *DirStore) NewRangeReader(_ context.Context, name string, offset, length int64) (io.ReadCloser, error) {
	file, err := os.Open(s.Path(name))
	if err != nil {
		return nil, err
	}
	if length < 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
		return file, nil
	}
	defer file.Close()

	result := make([]byte, length)
	read, err := file.ReadAt(result, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(result[:read])), nil
}

// readPrefix returns up to n bytes from the start of name.
func readPrefix(ctx context.Context, store Store, name string, n int64) ([]byte, error) {
	r, err := store.NewRangeReader(ctx, name, 0, n)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// readAll returns the whole content of name.
func readAll(ctx context.Context, store Store, name string) ([]byte, error) {
	r, err := store.NewRangeReader(ctx, name, 0, -1)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
