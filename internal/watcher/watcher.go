// Package watcher keeps the metadata store in step with the share roots.
package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/lanshare/lanshare/internal/metadata"
	"github.com/lanshare/lanshare/internal/shares"
)

// Watcher is the ShareWatcher. It watches every shared directory and turns
// filesystem events into metadata updates and removals.
type Watcher struct {
	store  *metadata.Store
	policy *shares.Policy
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	fsw     *fsnotify.Watcher
	known   map[string]bool // path -> isDir
	done    chan struct{}
	ready   chan struct{}
	wg      sync.WaitGroup
}

// New creates a watcher. It does nothing until Start.
func New(store *metadata.Store, policy *shares.Policy, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		store:  store,
		policy: policy,
		logger: logger.Named("watcher"),
		ready:  make(chan struct{}),
	}
}

// Start begins watching. It reports false if the watcher was already
// running. The initial index pass runs in the background; Ready closes
// when it is done.
func (w *Watcher) Start() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return false, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	w.fsw = fsw
	w.known = make(map[string]bool)

	var dirs, files []string
	for _, root := range w.policy.Roots() {
		d, f := w.watchTree(root)
		dirs = append(dirs, d...)
		files = append(files, f...)
	}

	w.running = true
	w.done = make(chan struct{})

	w.wg.Add(1)
	go w.loop(dirs, files, w.done, w.ready)

	w.logger.Info("watching shares",
		zap.Strings("roots", w.policy.Roots()),
		zap.Int("dirs", len(dirs)),
		zap.Int("files", len(files)))
	return true, nil
}

// Stop stops watching. It reports false if the watcher was not running.
func (w *Watcher) Stop() (bool, error) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return false, nil
	}
	w.running = false
	close(w.done)
	err := w.fsw.Close()
	// The next run gets a fresh channel.
	w.ready = make(chan struct{})
	w.mu.Unlock()

	w.wg.Wait()
	return true, err
}

// Ready is closed once the initial index pass of the current run finished.
// A channel taken before Start belongs to the run that Start begins.
func (w *Watcher) Ready() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// watchTree adds a watch for every shared directory under root and records
// what it saw. Callers hold w.mu.
func (w *Watcher) watchTree(root string) (dirs, files []string) {
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("walk failed", zap.String("path", path), zap.Error(err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !w.policy.Allowed(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				w.logger.Warn("watch failed", zap.String("path", path), zap.Error(err))
				return filepath.SkipDir
			}
			w.known[path] = true
			dirs = append(dirs, path)
			return nil
		}
		if d.Type().IsRegular() {
			w.known[path] = false
			files = append(files, path)
		}
		return nil
	})
	return dirs, files
}

// bulkIndex records a freshly discovered tree without per-file upward
// propagation: deepest directories first, and a directory's files before
// the directory itself.
func (w *Watcher) bulkIndex(dirs, files []string) {
	byDir := make(map[string][]string)
	for _, f := range files {
		parent := filepath.Dir(f)
		byDir[parent] = append(byDir[parent], f)
	}

	ordered := append([]string(nil), dirs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if len(ordered[i]) != len(ordered[j]) {
			return len(ordered[i]) > len(ordered[j])
		}
		return ordered[i] < ordered[j]
	})

	for _, dir := range ordered {
		for _, f := range byDir[dir] {
			if _, err := w.store.UpdateOne(f); err != nil {
				w.logger.Warn("index file failed", zap.String("path", f), zap.Error(err))
			}
		}
		if _, err := w.store.UpdateOne(dir); err != nil {
			w.logger.Warn("index dir failed", zap.String("path", dir), zap.Error(err))
		}
	}
}

func (w *Watcher) loop(dirs, files []string, done, ready chan struct{}) {
	defer w.wg.Done()

	w.bulkIndex(dirs, files)
	close(ready)
	w.logger.Info("initial index complete", zap.Int("records", w.store.Count()))

	events, errs := w.fsw.Events, w.fsw.Errors
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-errs:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if !w.policy.Allowed(path) {
		return
	}

	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.removed(path)
	case ev.Has(fsnotify.Create):
		w.created(path)
	case ev.Has(fsnotify.Write) || ev.Has(fsnotify.Chmod):
		w.update(path)
	}
}

func (w *Watcher) created(path string) {
	info, err := os.Lstat(path)
	if err != nil {
		// Gone again before we looked.
		return
	}

	if info.IsDir() {
		w.mu.Lock()
		if !w.running {
			w.mu.Unlock()
			return
		}
		dirs, files := w.watchTree(path)
		w.mu.Unlock()
		w.bulkIndex(dirs, files)
	} else if info.Mode().IsRegular() {
		w.mu.Lock()
		w.known[path] = false
		w.mu.Unlock()
	} else {
		return
	}
	w.update(path)
}

func (w *Watcher) update(path string) {
	if err := w.store.Update(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		w.logger.Warn("update failed", zap.String("path", path), zap.Error(err))
	}
}

// removed drops path and everything known below it, deepest first, then
// re-aggregates the parent.
func (w *Watcher) removed(path string) {
	w.mu.Lock()
	var gone []string
	prefix := path + string(filepath.Separator)
	for p := range w.known {
		if p == path || strings.HasPrefix(p, prefix) {
			gone = append(gone, p)
			delete(w.known, p)
		}
	}
	w.mu.Unlock()

	if len(gone) == 0 {
		gone = []string{path}
	}
	sort.Slice(gone, func(i, j int) bool { return len(gone[i]) > len(gone[j]) })
	for _, p := range gone {
		if err := w.store.Remove(p); err != nil {
			w.logger.Warn("remove failed", zap.String("path", p), zap.Error(err))
		}
	}

	parent := filepath.Dir(path)
	if w.policy.Allowed(parent) {
		w.update(parent)
	}
}
