// Package watch implements the filesystem watch trigger (spec.md §4.h):
// debounced fsnotify events against a root path, filtered by glob ignore
// patterns, delivered as a single coalesced restart signal. The
// functional-options constructor shape follows the one the rest of this
// codebase uses for its other long-lived background watchers.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last observed
// change before firing, coalescing bursts of writes into one signal.
const DefaultDebounce = 300 * time.Millisecond

// Watcher watches one root path recursively and emits a debounced signal
// on Events whenever a file not matched by an ignore pattern changes.
type Watcher struct {
	root     string
	ignore   []string
	debounce time.Duration
	events   chan struct{}
	fsw      *fsnotify.Watcher
	wg       sync.WaitGroup
}

// Option configures a Watcher at construction time.
type Option func(*Watcher)

// WithIgnore sets the glob patterns (matched against the file's base name
// and its path relative to root) excluded from triggering a restart.
func WithIgnore(patterns []string) Option {
	return func(w *Watcher) { w.ignore = patterns }
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// New creates a Watcher rooted at root and recursively registers every
// subdirectory with the underlying fsnotify watcher.
func New(root string, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		debounce: DefaultDebounce,
		events:   make(chan struct{}, 1),
		fsw:      fsw,
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if w.matchIgnore(path) {
				return filepath.SkipDir
			}
			return w.fsw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) matchIgnore(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		rel = path
	}
	base := filepath.Base(path)
	for _, pattern := range w.ignore {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// Events returns the channel that receives one signal per debounced burst
// of filesystem activity. The channel is buffered to size 1 and signals
// are coalesced, so a slow consumer never falls behind, only misses
// intermediate bursts.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Run starts the debounce loop; it blocks until ctx is cancelled or Close
// is called.
func (w *Watcher) Run(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.matchIgnore(ev.Name) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				// A newly created directory needs to be watched too.
				if info, err := statIsDir(ev.Name); err == nil && info {
					w.fsw.Add(ev.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			select {
			case w.events <- struct{}{}:
			default:
			}
			timerC = nil
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the underlying fsnotify watcher and waits for Run to return.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func statIsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
