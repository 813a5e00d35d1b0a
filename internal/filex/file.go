// Package filex holds the filesystem primitives shared by the cache,
// quarantine and sentinel: directory setup, staging names and atomic
// rename-into-place writes.
package filex

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/dmitrijs2005/blobsync/internal/common"
	"github.com/google/uuid"
)

const tmpMarker = ".tmp"

// EnsureDir creates dir (and parents) if missing and returns its absolute path.
func EnsureDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("abs %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o770); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", abs, err)
	}
	return abs, nil
}

// TempName returns a staging path next to final: <final>.tmp.<pid>.<guid>.
func TempName(final string) string {
	return final + tmpMarker + "." + strconv.Itoa(os.Getpid()) + "." + uuid.NewString()
}

// IsTempName reports whether name is a staging artifact: either a
// "*.tmp" file or one of our "*.tmp.<pid>.<guid>" names.
func IsTempName(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, tmpMarker) || strings.Contains(base, tmpMarker+".")
}

// WriteAtomic writes data to path through a staging file and a rename, so a
// reader never observes a partial file.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := TempName(path)
	if err := os.WriteFile(tmp, data, perm); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// CopyAtomic copies src to dst through a staging file in dst's directory and
// renames it into place. bufSize sets the copy buffer.
func CopyAtomic(src, dst string, bufSize int) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o770); err != nil {
		return 0, err
	}

	tmp := TempName(dst)
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o660)
	if err != nil {
		return 0, err
	}

	n, err := io.CopyBuffer(out, in, make([]byte, bufSize))
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

// RemoveIfExists deletes path, treating "already gone" as success.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Exists reports whether path names an existing regular file and its size.
func Exists(path string) (int64, bool) {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return 0, false
	}
	return fi.Size(), true
}

// IsBusy reports whether err means the target is held open by someone else
// and the operation may succeed later.
func IsBusy(err error) bool {
	return errors.Is(err, common.ErrResourceBusy) ||
		errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.ETXTBSY)
}
