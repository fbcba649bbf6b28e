// SPDX-License-Identifier: MPL-2.0

// Package watch rebuilds a project when its manifest or sources change.
//
// Events are filtered by glob, coalesced over a debounce window and handed
// to a callback with the set of changed paths. A rebuild that is still
// running when the next window closes delays the callback instead of
// overlapping it.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last event before a rebuild.
const DefaultDebounce = 300 * time.Millisecond

var (
	// sourcePatterns select the files a build reads. Apex.lock is left out
	// because the rebuild may write it.
	sourcePatterns = []string{
		"Apex.toml",
		"src/**/*.afml",
	}

	// ignorePatterns are never watched. target/ holds build output and the
	// vendor tree, both written by the rebuild itself.
	ignorePatterns = []string{
		"target",
		"target/**",
		".git",
		".git/**",
		"**/*.swp",
		"**/*.swo",
		"**/*~",
		"**/.#*",
	}
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("watch: already running")

type (
	// Options configures a Watcher.
	Options struct {
		// Root is the project directory.
		Root string
		// Debounce overrides DefaultDebounce when positive.
		Debounce time.Duration
		// OnChange receives the changed paths relative to Root, sorted.
		OnChange func(ctx context.Context, changed []string) error
		Logger   *log.Logger
	}

	// Watcher watches one project tree. It is single-use.
	Watcher struct {
		root     string
		debounce time.Duration
		onChange func(ctx context.Context, changed []string) error
		log      *log.Logger
		fsw      *fsnotify.Watcher
		started  atomic.Bool
	}
)

// Relevant reports whether a change to rel (relative to the project root)
// can affect a build.
func Relevant(rel string) bool {
	rel = filepath.ToSlash(rel)
	return !matchAny(ignorePatterns, rel) && matchAny(sourcePatterns, rel)
}

func matchAny(patterns []string, rel string) bool {
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// New registers every directory under opts.Root except the ignored ones.
func New(opts Options) (*Watcher, error) {
	if opts.OnChange == nil {
		return nil, errors.New("watch: OnChange is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve project root: %w", err)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create watcher: %w", err)
	}
	w := &Watcher{
		root:     root,
		debounce: debounce,
		onChange: opts.OnChange,
		log:      logger,
		fsw:      fsw,
	}
	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run dispatches debounced callbacks until ctx is cancelled. It returns nil
// on cancellation and an error when the watcher breaks.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
		busy    atomic.Bool
	)

	fire := func() {
		if ctx.Err() != nil {
			return
		}
		if !busy.CompareAndSwap(false, true) {
			// Try again once the running rebuild has had time to finish.
			mu.Lock()
			timer.Reset(w.debounce)
			mu.Unlock()
			return
		}
		defer busy.Store(false)

		mu.Lock()
		changed := slices.Sorted(maps.Keys(pending))
		clear(pending)
		mu.Unlock()
		if len(changed) == 0 {
			return
		}
		if err := w.onChange(ctx, changed); err != nil {
			w.log.Debug("rebuild failed", "err", err)
		}
	}

	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		if err := w.fsw.Close(); err != nil {
			w.log.Warn("closing watcher", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: event channel closed")
			}
			rel, err := filepath.Rel(w.root, evt.Name)
			if err != nil || matchAny(ignorePatterns, filepath.ToSlash(rel)) {
				continue
			}
			if evt.Has(fsnotify.Create) {
				if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
					if err := w.addTree(evt.Name); err != nil {
						w.log.Warn("watching new directory", "path", rel, "err", err)
					}
				}
			}
			if !Relevant(rel) {
				continue
			}
			w.log.Debug("change", "path", rel, "op", evt.Op.String())

			mu.Lock()
			pending[filepath.ToSlash(rel)] = struct{}{}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}
			mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: error channel closed")
			}
			if isFatal(err) {
				return fmt.Errorf("watch: %w", err)
			}
			w.log.Warn("watch error", "err", err)
		}
	}
}

// addTree watches dir and every non-ignored directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			w.log.Warn("skipping unreadable path", "path", path, "err", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return nil
		}
		if rel != "." && matchAny(ignorePatterns, filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add %s: %w", rel, err)
		}
		return nil
	})
}
