package bans

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// yamlBanFile is the on-disk layout of a FileStore.
type yamlBanFile struct {
	Banned []string `yaml:"banned"`
}

// FileStore is a List persisted as a YAML file. Every change rewrites the
// whole file through a temporary file and rename.
type FileStore struct {
	path string
	s    *set

	// writeMu serializes file rewrites.
	writeMu sync.Mutex
}

// OpenFile loads the ban list at path. A missing file is an empty list and
// is created on the first change.
//
// Precondition: path must be non-empty.
// Postcondition: Returns a FileStore or a non-nil error.
func OpenFile(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading ban file %s: %w", path, err)
	}

	var file yamlBanFile
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing ban file %s: %w", path, err)
		}
	}
	s, err := newSet(file.Banned)
	if err != nil {
		return nil, fmt.Errorf("loading ban file %s: %w", path, err)
	}
	return &FileStore{path: path, s: s}, nil
}

// Path returns the backing file.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Contains(addr string) bool { return f.s.contains(addr) }

// Add implements List. The address stays banned in memory even if the file
// cannot be written; the write error is returned.
func (f *FileStore) Add(addr string) (bool, error) {
	_, added, err := f.s.add(addr)
	if err != nil || !added {
		return added, err
	}
	return true, f.save()
}

// Remove implements List.
func (f *FileStore) Remove(addr string) (bool, error) {
	_, removed, err := f.s.remove(addr)
	if err != nil || !removed {
		return removed, err
	}
	return true, f.save()
}

func (f *FileStore) Addresses() []string { return f.s.list() }

func (f *FileStore) save() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	data, err := yaml.Marshal(yamlBanFile{Banned: f.s.list()})
	if err != nil {
		return fmt.Errorf("serialising ban list: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating ban directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".bans-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temporary ban file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing ban file %s: %w", f.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing ban file %s: %w", f.path, err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing ban file %s: %w", f.path, err)
	}
	return nil
}
