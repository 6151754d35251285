package storage

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"
)

// lockPoll is the interval between attempts to take a held lock.
const lockPoll = 10 * time.Millisecond

// FileLock is an advisory, cross-process lock backed by a file next to the
// guarded path. The holder writes its PID into the lock file so a timed-out
// waiter can report who holds it.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock returns an unacquired lock for path. The lock file is path + ".lock".
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path + ".lock"}
}

// Lock takes the lock exclusively, waiting up to timeout. On timeout the
// returned error wraps ErrLockTimeout.
func (l *FileLock) Lock(timeout time.Duration) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return &StorageError{Op: "lock", Entity: "file", ID: l.path, Err: err}
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := tryLock(f); err == nil {
			break
		}
		if !time.Now().Before(deadline) {
			holder := readHolder(f)
			f.Close()
			if holder != "" {
				return fmt.Errorf("%w: %s held by pid %s", ErrLockTimeout, l.path, holder)
			}
			return fmt.Errorf("%w: %s", ErrLockTimeout, l.path)
		}
		time.Sleep(lockPoll)
	}

	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	}
	l.file = f
	return nil
}

// Unlock releases the lock. The lock file stays in place.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	l.file.Truncate(0)
	err := unlock(l.file)
	l.file.Close()
	l.file = nil
	return err
}

func readHolder(f *os.File) string {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	return string(bytes.TrimSpace(buf[:n]))
}
