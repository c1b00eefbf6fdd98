// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow collapses the bursts of write events editors and atomic
// renames produce into one reload.
const debounceWindow = 250 * time.Millisecond

// Watcher reloads configuration when the file changes on disk.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching path and invokes onChange with each successfully
// loaded new configuration. Invalid edits are logged and skipped; the
// previous configuration stays in effect.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: editors replace files by rename
	// and a file-level watch dies with the old inode.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, watcher: fsw, done: make(chan struct{})}
	go w.loop(onChange)
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop(onChange func(*Config)) {
	var pending <-chan time.Time

	for {
		select {
		case <-w.done:
			return
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
			pending = time.After(debounceWindow)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watch error: %v", err)
		case <-pending:
			pending = nil
			cfg, err := Load(w.path)
			if err != nil {
				log.Printf("CONFIG: reload skipped, %v", err)
				continue
			}
			log.Printf("CONFIG: reloaded %s", w.path)
			onChange(cfg)
		}
	}
}
