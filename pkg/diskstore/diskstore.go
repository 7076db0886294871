// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package diskstore keeps timed recordings on the local filesystem in the
// same day/hour key layout the cloud uses. An fsnotify watcher keeps the
// in-memory index current, so List never touches the disk.
//
// Writers must produce files atomically (temp name, then rename); names
// that do not parse as slice keys are ignored by the index, which is what
// keeps half-written temp files invisible.
package diskstore

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/camcloud-dev/camagent/pkg/timeline"
)

type entry struct {
	period   timeline.Period
	category timeline.Category
}

// Store is a timeline.Storage over one directory tree.
type Store struct {
	root string
	log  *slog.Logger

	mu    sync.RWMutex
	index map[string]entry // absolute path -> slice

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Open scans root, builds the index, and starts watching for changes.
func Open(root string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("start watcher: %w", err)
	}
	s := &Store{
		root:    root,
		log:     log,
		index:   make(map[string]entry),
		watcher: watcher,
		done:    make(chan struct{}),
	}
	if err := s.scanTree(root); err != nil {
		watcher.Close()
		return nil, err
	}
	go s.watchLoop()
	return s, nil
}

// Close stops the watcher. Pending StoreAsync goroutines finish on their own.
func (s *Store) Close() error {
	err := s.watcher.Close()
	<-s.done
	return err
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

// List returns the recordings intersecting [begin, end), sorted by begin.
// Items carry whole-file periods: a recording is cut only at its own file
// boundaries, so an item may begin before or end after the query window.
func (s *Store) List(_ context.Context, begin, end timeline.Time) ([]*timeline.Item, error) {
	query := timeline.NewPeriod(begin, end)
	s.mu.RLock()
	var out []*timeline.Item
	for _, e := range s.index {
		if e.period.Intersects(query) {
			out = append(out, timeline.NewItem(e.period, e.category))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Period.Less(out[j].Period) })
	return out, nil
}

// Load reads the file backing the item into its payload.
func (s *Store) Load(_ context.Context, it *timeline.Item) error {
	if it.State != timeline.ItemEmpty {
		return nil
	}
	path, ok := s.pathFor(it)
	if !ok {
		return fmt.Errorf("no recording for %s", it.Period)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", it.Period, err)
	}
	it.Payload = data
	it.State = timeline.ItemLoaded
	return nil
}

// Store writes the item's payload under the day/hour key for its period.
// The write goes through a temp name so the watcher never indexes a
// partial file.
func (s *Store) Store(_ context.Context, it *timeline.Item) error {
	if !it.Valid() || it.Period.IsOpen() {
		return fmt.Errorf("cannot store item with period %s", it.Period)
	}
	path := timeline.ObjectKey(s.root, it.Period, it.Category.Ext())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store %s: %w", it.Period, err)
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, it.Payload, 0o644); err != nil {
		return fmt.Errorf("store %s: %w", it.Period, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store %s: %w", it.Period, err)
	}
	s.addFile(path)
	return nil
}

// StoreAsync runs Store on its own goroutine.
func (s *Store) StoreAsync(it *timeline.Item, done func(ok bool), canceled func() bool) {
	go func() {
		if canceled != nil && canceled() {
			done(false)
			return
		}
		err := s.Store(context.Background(), it)
		if err != nil {
			s.log.Warn("async store failed", "period", it.Period, "err", err)
		}
		done(err == nil)
	}()
}

// Prune removes recordings that end before cutoff and returns how many
// files were deleted. Emptied day/hour directories are left for the
// recorder to reuse.
func (s *Store) Prune(cutoff timeline.Time) int {
	s.mu.RLock()
	var victims []string
	for path, e := range s.index {
		if !e.period.End.IsNull() && !e.period.End.After(cutoff) {
			victims = append(victims, path)
		}
	}
	s.mu.RUnlock()
	removed := 0
	for _, path := range victims {
		if err := os.Remove(path); err != nil {
			s.log.Warn("prune failed", "path", path, "err", err)
			continue
		}
		s.dropFile(path)
		removed++
	}
	return removed
}

func (s *Store) pathFor(it *timeline.Item) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for path, e := range s.index {
		if e.category == it.Category &&
			e.period.Begin.Equal(it.Period.Begin) && e.period.End.Equal(it.Period.End) {
			return path, true
		}
	}
	return "", false
}

func (s *Store) scanTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return s.watcher.Add(path)
		}
		s.addFile(path)
		return nil
	})
}

func (s *Store) addFile(path string) {
	period, err := timeline.ParseObjectKey(path)
	if err != nil {
		return // temp or foreign file
	}
	s.mu.Lock()
	s.index[path] = entry{period: period, category: categoryForPath(path)}
	s.mu.Unlock()
}

func (s *Store) dropFile(path string) {
	s.mu.Lock()
	if _, ok := s.index[path]; ok {
		delete(s.index, path)
		s.mu.Unlock()
		return
	}
	// A removed directory takes its files with it.
	prefix := path + string(os.PathSeparator)
	for p := range s.index {
		if strings.HasPrefix(p, prefix) {
			delete(s.index, p)
		}
	}
	s.mu.Unlock()
}

func (s *Store) watchLoop() {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			switch {
			case ev.Op.Has(fsnotify.Create):
				info, err := os.Stat(ev.Name)
				if err != nil {
					continue
				}
				if info.IsDir() {
					if err := s.scanTree(ev.Name); err != nil {
						s.log.Warn("scan new dir failed", "dir", ev.Name, "err", err)
					}
					continue
				}
				s.addFile(ev.Name)
			case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
				s.dropFile(ev.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("recordings watch error", "err", err)
		}
	}
}

func categoryForPath(path string) timeline.Category {
	switch filepath.Ext(path) {
	case ".jpg", ".jpeg":
		return timeline.CategorySnapshot
	case ".json":
		return timeline.CategoryFileMeta
	default:
		return timeline.CategoryVideo
	}
}
