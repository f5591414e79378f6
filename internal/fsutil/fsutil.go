// Package fsutil holds the file durability primitives shared by the
// stores: advisory lockfiles and atomic replace-on-write.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	lockRetryInterval = 10 * time.Millisecond
	lockStaleAfter    = 30 * time.Second
	lockAcquireLimit  = 10 * time.Second
)

// FileLock is a per-path advisory lock backed by an O_CREATE|O_EXCL lockfile.
// Two in-process writers serialize on the file just like two processes do;
// a lockfile older than lockStaleAfter is treated as abandoned and taken over.
type FileLock struct {
	path string
}

// LockFile returns the lock guarding path.
func LockFile(path string) *FileLock {
	return &FileLock{path: path + ".lock"}
}

// Acquire blocks until the lock is held or the acquire limit elapses.
func (l *FileLock) Acquire() error {
	deadline := time.Now().Add(lockAcquireLimit)
	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%s", strconv.Itoa(os.Getpid()))
			f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lockfile: %w", err)
		}

		if info, statErr := os.Stat(l.path); statErr == nil {
			if time.Since(info.ModTime()) > lockStaleAfter {
				// Holder likely died; take the lock over.
				_ = os.Remove(l.path)
				continue
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("lock %s: timed out", l.path)
		}
		time.Sleep(lockRetryInterval)
	}
}

// Release drops the lock.
func (l *FileLock) Release() {
	_ = os.Remove(l.path)
}

// WriteAtomic writes data to path via a temp file in the same directory,
// fsyncs, then renames over the target.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
