// Package fsutil writes files so that readers never see partial content and
// completed writes survive a crash.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWrite replaces path with data.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	_, err := publish(path, data, perm, os.Rename)
	if err != nil {
		return fmt.Errorf("atomic write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteIfAbsent creates path with data unless it already exists and reports
// whether this call created it. Of several concurrent callers exactly one
// creates the file.
func WriteIfAbsent(path string, data []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("write if absent %s: %w", filepath.Base(path), err)
	}
	// Link fails with EEXIST where rename would replace.
	created, err := publish(path, data, perm, os.Link)
	if err != nil {
		return created, fmt.Errorf("write if absent %s: %w", filepath.Base(path), err)
	}
	return created, nil
}

// publish stages data in a synced temp file next to path, moves it into
// place with place and syncs the directory. An ErrExist from place is not
// an error; it reports false.
func publish(path string, data []byte, perm os.FileMode, place func(tmp, path string) error) (bool, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".trail-tmp-*")
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp.Name())

	if err := writeSynced(tmp, data, perm); err != nil {
		return false, err
	}
	if err := place(tmp.Name(), path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	if err := FsyncDir(dir); err != nil {
		return true, err
	}
	return true, nil
}

func writeSynced(f *os.File, data []byte, perm os.FileMode) error {
	_, err := f.Write(data)
	if err == nil {
		err = f.Chmod(perm)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// FsyncDir makes renames and links in dirPath durable.
func FsyncDir(dirPath string) error {
	d, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("fsync dir: %w", err)
	}
	defer d.Close()
	return d.Sync()
}
