package paint

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

var ErrSourceMissing = errors.New("source paint does not exist")

// copyFile copies src to dst via a temporary file in the target directory.
// An existing read-only target is made writable first.
func copyFile(src, dst string, readOnly bool) (err error) {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrSourceMissing, src)
		}
		return err
	}
	defer in.Close()

	if err = makeWritable(dst); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".eqpaint-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if _, err = io.Copy(tmp, in); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return err
	}
	if readOnly {
		return os.Chmod(dst, 0o444)
	}
	return os.Chmod(dst, 0o644)
}

func makeWritable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if fi.Mode().Perm()&0o200 == 0 {
		return os.Chmod(path, fi.Mode().Perm()|0o200)
	}
	return nil
}

// removeFile deletes path, read-only files included. Missing files are ignored.
func removeFile(path string) error {
	if err := makeWritable(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// describe turns file system errors into a readable reason for the log
func describe(err error) string {
	switch {
	case errors.Is(err, ErrSourceMissing):
		return "common paint missing"
	case errors.Is(err, fs.ErrPermission):
		return "access denied"
	case errors.Is(err, fs.ErrNotExist):
		return "directory not found"
	default:
		return "i/o error"
	}
}
