// Package fsstore keeps artifact bytes on a filesystem. It backs the staging
// area and the local storage backend.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"artifactvault/internal/domain"
)

const (
	scheme     = "file://"
	bufferSize = 32 * 1024
)

type Store struct {
	fs   afero.Fs
	root string
}

// New returns a store rooted at root on fsys, creating the directory.
func New(fsys afero.Fs, root string) (*Store, error) {
	root = path.Clean("/" + strings.TrimPrefix(root, "/"))
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", root, err)
	}
	return &Store{fs: fsys, root: root}, nil
}

// NewOS returns a store on the local disk.
func NewOS(root string) (*Store, error) {
	return New(afero.NewOsFs(), root)
}

func (s *Store) pathFrom(location string) (string, error) {
	p, ok := strings.CutPrefix(location, scheme)
	if !ok {
		return "", fmt.Errorf("%w: unsupported location %q", domain.ErrValidation, location)
	}
	p = path.Clean(p)
	if !strings.HasPrefix(p, s.root+"/") {
		return "", fmt.Errorf("%w: location %q is outside of %s", domain.ErrValidation, location, s.root)
	}
	return p, nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return fmt.Errorf("%w: %v", domain.ErrCapacityExhausted, err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	}
	return err
}

// Write copies r into a temp file and renames it into place, so readers never
// see partial data. Existing data for the artifact is a conflict.
func (s *Store) Write(ctx context.Context, artifactID uuid.UUID, r io.Reader, declaredSize int64) (string, error) {
	target := path.Join(s.root, artifactID.String())

	exists, err := afero.Exists(s.fs, target)
	if err != nil {
		return "", fmt.Errorf("check %s: %w", target, mapError(err))
	}
	if exists {
		return "", fmt.Errorf("%w: artifact %s already has data", domain.ErrConflict, artifactID)
	}

	tmp, err := afero.TempFile(s.fs, s.root, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", mapError(err))
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = s.fs.Remove(tmpName)
		}
	}()

	buf := make([]byte, bufferSize)
	if _, err := io.CopyBuffer(tmp, &ctxReader{ctx: ctx, r: r}, buf); err != nil {
		return "", fmt.Errorf("write artifact data: %w", mapError(err))
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync artifact data: %w", mapError(err))
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact data: %w", mapError(err))
	}
	if err := s.fs.Rename(tmpName, target); err != nil {
		return "", fmt.Errorf("rename artifact data: %w", mapError(err))
	}

	success = true
	return scheme + target, nil
}

// Read returns length bytes from offset; length < 0 reads to the end.
func (s *Store) Read(ctx context.Context, location string, offset, length int64) (io.ReadCloser, error) {
	p, err := s.pathFrom(location)
	if err != nil {
		return nil, err
	}

	f, err := s.fs.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, mapError(err))
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s: %w", p, err)
		}
	}
	if length < 0 {
		return f, nil
	}
	return &limitedFile{Reader: io.LimitReader(f, length), Closer: f}, nil
}

// Delete removes the data at location. Missing data is not an error.
func (s *Store) Delete(ctx context.Context, location string) error {
	p, err := s.pathFrom(location)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", p, mapError(err))
	}
	return nil
}

type limitedFile struct {
	io.Reader
	io.Closer
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
