package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the storyshelf home directory.
	DefaultDirName = ".storyshelf"

	// ObjectsDirName is the subdirectory backing the local object store.
	ObjectsDirName = "objects"

	// DatabaseFileName is the SQLite database file name.
	DatabaseFileName = "storyshelf.db"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
)

// Dir represents the storyshelf home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.storyshelf).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ObjectsPath returns the root of the filesystem object store.
func (d *Dir) ObjectsPath() string {
	return filepath.Join(d.path, ObjectsDirName)
}

// DatabasePath returns the path of the SQLite database.
func (d *Dir) DatabasePath() string {
	return filepath.Join(d.path, DatabaseFileName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// EnsureExists creates the home directory and the objects directory.
func (d *Dir) EnsureExists() error {
	if err := os.MkdirAll(d.ObjectsPath(), 0o755); err != nil {
		return fmt.Errorf("failed to create objects directory: %w", err)
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
