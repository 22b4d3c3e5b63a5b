package mediastore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrBlobNotFound is returned by Blobs.Open for missing keys.
var ErrBlobNotFound = errors.New("blob not found")

// Blobs stores asset bytes by key.
type Blobs interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// Check reports whether the backend is usable.
	Check(ctx context.Context) error
}

// WriterCloser keeps Writer interface and close function.
type WriterCloser interface {
	io.Writer
	Close() error
}

// OpenFileFunc opens a file for writing by name.
type OpenFileFunc func(fileName string) (WriterCloser, error)

// LocalBlobs keeps blobs below Root on the local disk.
type LocalBlobs struct {
	Root         string
	OpenFileFunc OpenFileFunc
}

// NewLocalBlobs creates the root directory if needed.
func NewLocalBlobs(root string) (*LocalBlobs, error) {
	if root == "" {
		return nil, errors.New("no storage path")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create storage dir %s", root)
	}
	return &LocalBlobs{Root: root, OpenFileFunc: openFile}, nil
}

func (b *LocalBlobs) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", errors.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(b.Root, clean), nil
}

func (b *LocalBlobs) Put(_ context.Context, key string, r io.Reader) (int64, error) {
	fileName, err := b.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(fileName), 0o755); err != nil {
		return 0, errors.Wrapf(err, "can't create dir for %s", fileName)
	}
	f, err := b.OpenFileFunc(fileName)
	if err != nil {
		return 0, errors.Wrapf(err, "can't create file %s", fileName)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return n, errors.Wrapf(err, "can't save file %s", fileName)
	}
	if err := f.Close(); err != nil {
		return n, errors.Wrapf(err, "can't close file %s", fileName)
	}
	return n, nil
}

func (b *LocalBlobs) Open(_ context.Context, key string) (io.ReadCloser, error) {
	fileName, err := b.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fileName)
	if os.IsNotExist(err) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "can't open file %s", fileName)
	}
	return f, nil
}

func (b *LocalBlobs) Delete(_ context.Context, key string) error {
	fileName, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fileName); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "can't delete file %s", fileName)
	}
	return nil
}

func (b *LocalBlobs) Check(context.Context) error {
	st, err := os.Stat(b.Root)
	if err != nil {
		return errors.Wrap(err, "storage dir")
	}
	if !st.IsDir() {
		return errors.Errorf("%s is not a directory", b.Root)
	}
	return nil
}

func openFile(fileName string) (WriterCloser, error) {
	return os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}
