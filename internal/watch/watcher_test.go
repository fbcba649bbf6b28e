// SPDX-License-Identifier: MPL-2.0

package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelevant(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want bool
	}{
		{"Apex.toml", true},
		{"src/main.afml", true},
		{filepath.Join("src", "util", "math.afml"), true},
		{"Apex.lock", false},
		{"README.md", false},
		{"src/notes.txt", false},
		{"src/.main.afml.swp", false},
		{"src/main.afml~", false},
		{"target/x86/debug/hello", false},
		{"target/vendor/afml/greet@0.1.0/src/main.afml", false},
		{".git/HEAD", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Relevant(tt.path))
		})
	}
}

func TestNewRequiresCallback(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Root: t.TempDir()})
	assert.Error(t, err)
}

type recorder struct {
	mu    sync.Mutex
	calls [][]string
	ch    chan struct{}
}

func (r *recorder) onChange(_ context.Context, changed []string) error {
	r.mu.Lock()
	r.calls = append(r.calls, changed)
	r.mu.Unlock()
	r.ch <- struct{}{}
	return nil
}

func TestRunCoalescesSourceChanges(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "target"), 0o755))

	rec := &recorder{ch: make(chan struct{}, 4)}
	w, err := New(Options{Root: root, Debounce: 50 * time.Millisecond, OnChange: rec.onChange})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Output and unrelated files never trigger a rebuild.
	require.NoError(t, os.WriteFile(filepath.Join(root, "target", "out"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.afml"), []byte("fun apex() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Apex.toml"), []byte("[package]\n"), 0o644))

	select {
	case <-rec.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no rebuild after source changes")
	}

	cancel()
	require.NoError(t, <-done)
	assert.ErrorIs(t, w.Run(t.Context()), ErrAlreadyRunning)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.calls)
	var seen []string
	for _, c := range rec.calls {
		seen = append(seen, c...)
	}
	assert.Subset(t, []string{"Apex.toml", "src/main.afml"}, seen)
	assert.NotContains(t, seen, "notes.txt")
	assert.NotContains(t, seen, "target/out")
}
