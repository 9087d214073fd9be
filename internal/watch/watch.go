// Package watch feeds file changes into dev-environment hotUpdate
// dispatch. It owns the fsnotify watcher, the debounce window, and the
// construction of the update payload; what happens to an update is the
// sink's business.
package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/buildstorm/internal/config"
	"github.com/dshills/buildstorm/internal/log"
	"github.com/dshills/buildstorm/internal/plugin"
)

// Sentinel errors.
var (
	// ErrClosed is returned after the reloader has been closed.
	ErrClosed = errors.New("reloader closed")

	// ErrNoRoot is returned when the watch root does not exist.
	ErrNoRoot = errors.New("watch root does not exist")
)

// DefaultDebounce is the quiet window applied when the config does not
// set one. Editors produce bursts of events per save; one update per
// burst is the useful granularity.
const DefaultDebounce = 50 * time.Millisecond

// ModuleLookup maps a changed file to the module records it backs.
// A nil lookup yields a single record for the file itself.
type ModuleLookup func(file string) []*plugin.ModuleRecord

// UpdateSink receives debounced hot updates. Pipelines of dev
// environments implement this.
type UpdateSink interface {
	HotUpdate(ctx context.Context, upd *plugin.HotUpdate) ([]*plugin.ModuleRecord, error)
}

// Reloader watches a root directory and dispatches one HotUpdate per
// changed file per quiet window to every registered sink.
type Reloader struct {
	root     string
	debounce time.Duration
	ignore   []string
	lookup   ModuleLookup
	logger   *log.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	sinks   []UpdateSink
	timers  map[string]*time.Timer
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Reloader.
type Option func(*Reloader)

// WithLogger sets the reloader logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Reloader) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithLookup sets the file-to-modules lookup.
func WithLookup(fn ModuleLookup) Option {
	return func(r *Reloader) {
		r.lookup = fn
	}
}

// New creates a reloader for cfg's root and watch settings. Call Run
// to start dispatching.
func New(cfg *config.Config, opts ...Option) (*Reloader, error) {
	r := &Reloader{
		root:     cfg.Root,
		debounce: DefaultDebounce,
		ignore:   cfg.Watch.Ignore,
		logger:   log.Null,
		timers:   make(map[string]*time.Timer),
		closeCh:  make(chan struct{}),
	}
	if cfg.Watch.DebounceMS > 0 {
		r.debounce = time.Duration(cfg.Watch.DebounceMS) * time.Millisecond
	}
	for _, opt := range opts {
		opt(r)
	}

	info, err := os.Stat(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoRoot
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrNoRoot
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	r.watcher = w

	if err := r.watchTree(r.root); err != nil {
		w.Close()
		return nil, err
	}
	return r, nil
}

// watchTree registers the root and every non-ignored subdirectory.
// fsnotify reports file changes for watched directories.
func (r *Reloader) watchTree(root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if r.shouldIgnore(p) {
			return filepath.SkipDir
		}
		if werr := r.watcher.Add(p); werr != nil {
			r.logger.Warn("watch %s: %v", p, werr)
		}
		return nil
	})
}

// Subscribe registers a sink for future updates.
func (r *Reloader) Subscribe(sink UpdateSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, sink)
}

// Run processes watcher events until ctx is cancelled or Close is
// called. It blocks; callers run it in a goroutine.
func (r *Reloader) Run(ctx context.Context) error {
	r.wg.Add(1)
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.closeCh:
			return nil
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			r.handleEvent(ctx, ev)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("watch error: %v", err)
		}
	}
}

// handleEvent filters one raw event and arms its debounce timer.
func (r *Reloader) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if r.shouldIgnore(ev.Name) {
		return
	}

	// New directories join the watch tree as they appear.
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := r.watchTree(ev.Name); err != nil {
				r.logger.Warn("watch new directory %s: %v", ev.Name, err)
			}
			return
		}
	}

	file := ev.Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if t, ok := r.timers[file]; ok {
		t.Reset(r.debounce)
		return
	}
	r.timers[file] = time.AfterFunc(r.debounce, func() {
		r.mu.Lock()
		delete(r.timers, file)
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}
		r.flush(ctx, file)
	})
}

// shouldIgnore matches path against the ignore patterns, per path
// element and against the root-relative path.
func (r *Reloader) shouldIgnore(path string) bool {
	rel, err := filepath.Rel(r.root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, pattern := range r.ignore {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			if ok, _ := filepath.Match(pattern, part); ok {
				return true
			}
		}
	}
	return false
}

// flush builds the update for one settled file and dispatches it.
func (r *Reloader) flush(ctx context.Context, file string) {
	upd := r.buildUpdate(file)

	r.mu.Lock()
	sinks := make([]UpdateSink, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.Unlock()

	for _, sink := range sinks {
		remaining, err := sink.HotUpdate(ctx, upd)
		if err != nil {
			r.logger.Error("hot update %s: %v", file, err)
			continue
		}
		r.logger.Debug("hot update %s: %d modules affected", file, len(remaining))
	}
}

// buildUpdate assembles the payload for a changed file. Contents are
// read lazily; handlers that never ask never touch the disk.
func (r *Reloader) buildUpdate(file string) *plugin.HotUpdate {
	var modules []*plugin.ModuleRecord
	if r.lookup != nil {
		modules = r.lookup(file)
	} else {
		modules = []*plugin.ModuleRecord{{ID: file, File: file}}
	}

	return &plugin.HotUpdate{
		File:      file,
		Timestamp: time.Now(),
		Modules:   modules,
		Read: func() (string, error) {
			b, err := os.ReadFile(file)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
	}
}

// Close stops the watcher and cancels pending debounce timers. Safe to
// call more than once.
func (r *Reloader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for file, t := range r.timers {
		t.Stop()
		delete(r.timers, file)
	}
	close(r.closeCh)
	r.mu.Unlock()

	err := r.watcher.Close()
	r.wg.Wait()
	return err
}
