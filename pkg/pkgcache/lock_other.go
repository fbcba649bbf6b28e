// SPDX-License-Identifier: MPL-2.0

//go:build !linux

package pkgcache

import "sync"

// entryLocks serializes cache writers within this process where flock is
// not used.
var entryLocks sync.Map

// entryLock is the non-Linux lock: an in-process mutex per lock path.
type entryLock struct {
	mu *sync.Mutex
}

func acquireEntryLock(lockPath string) (*entryLock, error) {
	v, _ := entryLocks.LoadOrStore(lockPath, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return &entryLock{mu: mu}, nil
}

// Release unlocks the mutex. Subsequent calls are no-ops.
func (l *entryLock) Release() {
	if l == nil || l.mu == nil {
		return
	}
	l.mu.Unlock()
	l.mu = nil
}
