// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// SETTINGS WATCHER
// =============================================================================

// Watcher reloads the settings file when it changes on disk. Editors often
// produce several events per save (write, rename, chmod), so changes are
// debounced before reloading.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Settings)

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending *time.Timer
	closed  bool
}

// NewWatcher watches path and calls onChange with the freshly loaded
// settings after each change. Reload failures are swallowed: the previous
// settings stay in effect until the file parses again.
func NewWatcher(path string, onChange func(*Settings)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     path,
		debounce: 250 * time.Millisecond,
		onChange: onChange,
		watcher:  fsw,
	}

	// Watch the directory, not the file: atomic saves replace the inode
	// and a file-level watch would go stale after the first write.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.processEvents()
	return w, nil
}

func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	s, err := LoadFromPath(w.path)
	if err != nil {
		return
	}
	w.onChange(s)
}

// Close stops watching. Pending reloads are cancelled.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
