// Package objstore persists generated binaries and issues time-boxed
// access URLs for them.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackzampolin/storyshelf/internal/book"
)

// LocalStoreName is the store identifier recorded in object references
// written by LocalStore.
const LocalStoreName = "local"

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is a durable object store addressed by typed references.
type Store interface {
	// Name identifies the store in object references.
	Name() string
	// Put writes data at path, overwriting any previous object.
	Put(ctx context.Context, path string, data []byte) (book.ObjectRef, error)
	// Get reads the object behind ref.
	Get(ctx context.Context, ref book.ObjectRef) ([]byte, error)
	// Delete removes the object behind ref. Deleting a missing object is
	// not an error.
	Delete(ctx context.Context, ref book.ObjectRef) error
}

// LocalStore is a Store backed by the local filesystem.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a LocalStore rooted at basePath.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("object store base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object store directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

// Name implements Store.
func (s *LocalStore) Name() string { return LocalStoreName }

// Put implements Store. Writes go through a temp file and rename so readers
// never see a partial object.
func (s *LocalStore) Put(ctx context.Context, path string, data []byte) (book.ObjectRef, error) {
	if err := ctx.Err(); err != nil {
		return book.ObjectRef{}, err
	}
	full, err := s.resolve(path)
	if err != nil {
		return book.ObjectRef{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return book.ObjectRef{}, fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return book.ObjectRef{}, fmt.Errorf("failed to create temp object: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return book.ObjectRef{}, fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return book.ObjectRef{}, fmt.Errorf("failed to close object: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return book.ObjectRef{}, fmt.Errorf("failed to commit object: %w", err)
	}

	return book.ObjectRef{Store: LocalStoreName, Path: path}, nil
}

// Get implements Store.
func (s *LocalStore) Get(ctx context.Context, ref book.ObjectRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ref.Store != LocalStoreName {
		return nil, fmt.Errorf("object %s belongs to store %q", ref.Path, ref.Store)
	}
	full, err := s.resolve(ref.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// Delete implements Store.
func (s *LocalStore) Delete(ctx context.Context, ref book.ObjectRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ref.Store != LocalStoreName {
		return fmt.Errorf("object %s belongs to store %q", ref.Path, ref.Store)
	}
	full, err := s.resolve(ref.Path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// resolve maps an object path onto the filesystem, rejecting paths that
// escape the base directory.
func (s *LocalStore) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	if clean == "/" {
		return "", fmt.Errorf("object path is required")
	}
	return filepath.Join(s.basePath, filepath.FromSlash(clean)), nil
}

// UploadPrefix is the path prefix of user uploads.
const UploadPrefix = "uploads/"

// UploadPath is the object path of an uploaded file.
func UploadPath(id, ext string) string {
	return UploadPrefix + id + ext
}

// PagePath is the deterministic object path of a page or anchor image.
func PagePath(bookID string, key book.PageKey) string {
	return fmt.Sprintf("books/%s/%s.png", bookID, key)
}

// DocumentPath is the object path of one assembly of a book's PDF. Each
// assembly gets its own revision so a stored ref never changes content.
func DocumentPath(bookID, revision string) string {
	return fmt.Sprintf("books/%s/book-%s.pdf", bookID, revision)
}
