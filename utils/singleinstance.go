package utils

import (
	"os"

	"golang.org/x/sys/unix"

	deskerrors "deskrelay/internal/errors"
)

// InstanceLock holds an exclusive advisory lock on a well-known path (spec
// §6 "Single-instance lock"). A second invocation fails Acquire with a
// user-visible message instead of blocking.
type InstanceLock struct {
	f *os.File
}

// Acquire takes an exclusive, non-blocking flock on path, creating it if
// necessary. The file is deliberately never removed; only the lock itself
// signals occupancy.
func Acquire(path string) (*InstanceLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, deskerrors.Wrap(deskerrors.KindFileIO, err, "singleinstance: open lock file")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, deskerrors.New(deskerrors.KindDuplicateID, "singleinstance: another instance is already running")
	}
	return &InstanceLock{f: f}, nil
}

// Release drops the lock and closes the underlying file. Safe to call
// once on process exit; the lock is also implicitly released if the
// process dies without calling it.
func (l *InstanceLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
