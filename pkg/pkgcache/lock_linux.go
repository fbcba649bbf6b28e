// SPDX-License-Identifier: MPL-2.0

//go:build linux

package pkgcache

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// entryLock holds a blocking exclusive flock on the lock file of one cache
// entry. The zero-byte lock file is harmless if orphaned; the kernel releases
// the flock when the fd is closed, including on process crash.
type entryLock struct {
	file *os.File
}

// acquireEntryLock opens (or creates) lockPath and blocks until it holds an
// exclusive flock on it.
func acquireEntryLock(lockPath string) (*entryLock, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flock %s: %w", lockPath, err)
	}

	return &entryLock{file: f}, nil
}

// Release unlocks and closes the lock file. Subsequent calls are no-ops.
func (l *entryLock) Release() {
	if l == nil || l.file == nil {
		return
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		slog.Debug("flock unlock failed", "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Debug("lock file close failed", "error", err)
	}
	l.file = nil
}
