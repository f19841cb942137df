package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"

	"github.com/puppet4/tkp-platform/pkg/tracing"
)

// ErrNotFound is returned when the key has no object
var ErrNotFound = errors.New("object not found")

// FilesystemStore is an ObjectStore on a local directory. Suitable for
// single-node deployments and tests; the interface leaves room for a
// bucket-backed implementation.
type FilesystemStore struct {
	root   string
	logger ectologger.Logger
}

// NewFilesystemStore creates a store rooted at dir, creating it if needed.
func NewFilesystemStore(dir string, logger ectologger.Logger) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating storage root")
	}
	return &FilesystemStore{
		root:   dir,
		logger: logger,
	}, nil
}

func (s *FilesystemStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes the object, replacing any existing bytes at the key. The
// write goes through a temp file and rename so readers never see a
// partial object.
func (s *FilesystemStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "storage.FilesystemStore.Put")
	defer span.End()

	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, errors.Wrap(err, "creating object directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return 0, errors.Wrap(err, "creating temp object")
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, errors.Wrap(err, "writing object")
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, errors.Wrap(err, "publishing object")
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"key":        key,
		"size_bytes": n,
	}).Debug("Stored object")

	return n, nil
}

// Get opens the object for reading
func (s *FilesystemStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	_, span := tracing.StartSpan(ctx, "storage.FilesystemStore.Get")
	defer span.End()

	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "opening object")
	}
	return f, nil
}

// Delete removes the object. Deleting a missing key is not an error.
func (s *FilesystemStore) Delete(ctx context.Context, key string) error {
	_, span := tracing.StartSpan(ctx, "storage.FilesystemStore.Delete")
	defer span.End()

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "deleting object")
	}
	return nil
}

// Exists reports whether the key has an object
func (s *FilesystemStore) Exists(ctx context.Context, key string) (bool, error) {
	_, span := tracing.StartSpan(ctx, "storage.FilesystemStore.Exists")
	defer span.End()

	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "statting object")
}
