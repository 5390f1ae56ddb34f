// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch feeds the hot-reload pipeline with debounced source-file
// change events.
//
// # Debouncing
//
// Editors write files in bursts (temp file, rename, metadata touch). Events
// for the same path inside the debounce window collapse into one change, so
// the pipeline runs one edit session per save instead of one per syscall.
//
// # Thread Safety
//
// Safe for concurrent use. Changes are delivered on a single channel in
// detection order.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change is one debounced file modification.
type Change struct {
	// Path is the absolute path of the changed file.
	Path string

	// Time is when the last event for this path was seen.
	Time time.Time
}

// Options configures the Watcher.
type Options struct {
	// DebounceWindow is how long a path must stay quiet before its
	// change is delivered. Default: 50ms.
	DebounceWindow time.Duration

	// Extensions restricts events to the given file extensions. Empty
	// means every file.
	Extensions []string

	// IgnoreDirs are directory names skipped during the recursive walk.
	// Default: [".git", "bin", "obj", "node_modules"].
	IgnoreDirs []string
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		DebounceWindow: 50 * time.Millisecond,
		IgnoreDirs:     []string{".git", "bin", "obj", "node_modules"},
	}
}

// Watcher watches a project tree and emits debounced changes.
type Watcher struct {
	root    string
	opts    Options
	watcher *fsnotify.Watcher

	changes  chan Change
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Watcher rooted at the given directory. Call Start to begin
// watching; read changes from Changes.
func New(root string, opts Options) (*Watcher, error) {
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = DefaultOptions().DebounceWindow
	}
	if opts.IgnoreDirs == nil {
		opts.IgnoreDirs = DefaultOptions().IgnoreDirs
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:    root,
		opts:    opts,
		watcher: fsw,
		changes: make(chan Change, 256),
		done:    make(chan struct{}),
	}, nil
}

// Changes is the delivery channel. It is closed when the watcher stops.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Start registers the tree and begins processing events. It returns after
// spawning the event goroutine; cancellation of ctx stops the watcher.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	go w.run(ctx)
	return nil
}

// Stop stops the watcher and closes the change channel.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

// addRecursive registers every non-ignored directory under root.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignoredDir(d.Name()) && path != root {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// run drains fsnotify events, debounces per path, and delivers changes.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.changes)

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.opts.DebounceWindow / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// New directories join the watch so nested saves are
			// seen.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !w.ignoredDir(filepath.Base(event.Name)) {
					_ = w.watcher.Add(event.Name)
					continue
				}
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !w.wantsFile(event.Name) {
				continue
			}
			pending[event.Name] = time.Now()

		case <-ticker.C:
			now := time.Now()
			var ready []Change
			for path, last := range pending {
				if now.Sub(last) < w.opts.DebounceWindow {
					continue
				}
				delete(pending, path)
				ready = append(ready, Change{Path: path, Time: last})
			}
			// Paths settling on the same tick go out oldest first.
			sort.Slice(ready, func(i, j int) bool { return ready[i].Time.Before(ready[j].Time) })
			for _, change := range ready {
				select {
				case w.changes <- change:
				default:
					// A full buffer drops this change rather
					// than blocking the event drain.
				}
			}

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) ignoredDir(name string) bool {
	for _, dir := range w.opts.IgnoreDirs {
		if name == dir {
			return true
		}
	}
	return false
}

func (w *Watcher) wantsFile(path string) bool {
	if len(w.opts.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range w.opts.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}
