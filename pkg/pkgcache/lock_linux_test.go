// SPDX-License-Identifier: MPL-2.0

//go:build linux

package pkgcache

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestEntryLock_BlocksConcurrent(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "hello@0.1.0.lock")
	lockA, err := acquireEntryLock(lockPath)
	if err != nil {
		t.Fatalf("acquireEntryLock A: %v", err)
	}

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		lockB, bErr := acquireEntryLock(lockPath)
		if bErr != nil {
			t.Errorf("acquireEntryLock B: %v", bErr)
			return
		}
		acquired.Store(true)
		lockB.Release()
	}()

	time.Sleep(100 * time.Millisecond)
	if acquired.Load() {
		t.Fatal("second holder acquired the lock while the first still held it")
	}

	lockA.Release()
	lockA.Release()

	select {
	case <-done:
		if !acquired.Load() {
			t.Fatal("second holder never acquired the lock")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the lock")
	}
}
