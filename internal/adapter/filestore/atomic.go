package filestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// errExists is returned by createExclusive when path already exists.
var errExists = errors.New("file exists")

// writeTemp writes content to a synced temporary file next to path and
// returns its name. The caller owns removing it.
func writeTemp(path string, content []byte) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".crewflow-tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return name, nil
}

// atomicWrite replaces path with content: a reader sees the old or the new
// file, never a partial one.
func atomicWrite(path string, content []byte) error {
	tmp, err := writeTemp(path, content)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("atomic rename: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

// replaceChecked is atomicWrite for state files: the temp file is read back
// and passed to validate before anything is replaced, and the previous
// version stays at path+".bak".
func replaceChecked(path string, content []byte, validate func([]byte) error) error {
	tmp, err := writeTemp(path, content)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()

	written, err := os.ReadFile(tmp)
	if err != nil {
		return fmt.Errorf("read back temp file: %w", err)
	}
	if err := validate(written); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	// The old inode survives the rename under the .bak name.
	bak := path + ".bak"
	if err := os.Remove(bak); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove backup: %w", err)
	}
	if err := os.Link(path, bak); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("create backup: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

// createExclusive atomically creates path with content, failing with
// errExists if it is already there.
func createExclusive(path string, content []byte) error {
	tmp, err := writeTemp(path, content)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return errExists
		}
		return fmt.Errorf("link: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	defer func() { _ = d.Close() }()
	// Some filesystems refuse to fsync directories; the rename already happened.
	_ = d.Sync()
	return nil
}
