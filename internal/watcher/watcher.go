// Package watcher reports external changes to session state and to the
// note vault.
//
// Every watched target has its own quiescence timer. Each filesystem event
// resets it; when it finally fires, one Notification carrying everything
// seen since the last one is delivered. The watcher never rebuilds
// anything itself.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/HendryAvila/papertrail/internal/fsutil"
)

// DefaultDebounce is the quiescence window used when none is configured.
const DefaultDebounce = 2 * time.Second

// ErrStopped is returned by operations on a stopped watcher.
var ErrStopped = errors.New("watcher: stopped")

// Kind says what a target holds.
type Kind string

const (
	KindSession Kind = "session"
	KindVault   Kind = "vault"
)

// Target is something to watch. Session targets watch one directory;
// vault targets watch the whole tree below Path.
type Target struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
	Path string `json:"path"`
}

func (t Target) key() string { return string(t.Kind) + "/" + t.ID }

// Notification tells a consumer which target changed and what to re-read.
type Notification struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
	// Paths are the distinct files that changed, sorted.
	Paths []string `json:"paths"`
	// Events is how many filesystem events were coalesced.
	Events int `json:"events"`
}

// Options configure a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *zap.Logger
	// Buffer is the capacity of the notification channel.
	Buffer int
}

type target struct {
	Target
	timer  *time.Timer
	gen    uint64
	paths  map[string]struct{}
	events int
}

// Watcher coalesces fsnotify events per target.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	log      *zap.Logger
	out      chan Notification

	mu      sync.Mutex
	targets map[string]*target
	dirs    map[string]string // watched directory -> target key
	running bool
	stopped bool

	inflight sync.WaitGroup
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a watcher. Call Start to begin delivering notifications and
// Stop to release it.
func New(opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Watcher{
		fsw:      fsw,
		debounce: opts.Debounce,
		log:      opts.Logger,
		out:      make(chan Notification, opts.Buffer),
		targets:  make(map[string]*target),
		dirs:     make(map[string]string),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Notifications returns the delivery channel. It is closed by Stop.
func (w *Watcher) Notifications() <-chan Notification { return w.out }

// Add starts watching t. Adding a target that is already watched replaces
// its path.
func (w *Watcher) Add(t Target) error {
	if t.Kind != KindSession && t.Kind != KindVault {
		return fmt.Errorf("watcher: unknown target kind %q", t.Kind)
	}
	root, err := fsutil.CanonicalRoot(t.Path)
	if err != nil {
		return fmt.Errorf("watcher: resolving %s: %w", t.Path, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watcher: %s is not a directory", root)
	}
	t.Path = root

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrStopped
	}
	if old, ok := w.targets[t.key()]; ok {
		w.unwatchLocked(old)
	}
	tg := &target{Target: t, paths: make(map[string]struct{})}
	w.targets[t.key()] = tg

	if t.Kind == KindSession {
		return w.watchDirLocked(root, tg)
	}
	return w.watchTreeLocked(root, tg)
}

// Remove stops watching the target with kind and id. Pending events for it
// are discarded.
func (w *Watcher) Remove(kind Kind, id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := Target{Kind: kind, ID: id}.key()
	if tg, ok := w.targets[key]; ok {
		w.unwatchLocked(tg)
		delete(w.targets, key)
	}
}

// Targets lists the watched targets sorted by kind and id.
func (w *Watcher) Targets() []Target {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Target, 0, len(w.targets))
	for _, tg := range w.targets {
		out = append(out, tg.Target)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// Start runs the event loop until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrStopped
	}
	if w.running {
		return nil
	}
	w.running = true
	go w.run(ctx)
	return nil
}

// Stop ends the event loop, cancels pending timers, waits for in-flight
// deliveries and closes the notification channel. It is safe to call more
// than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		running := w.running
		for _, tg := range w.targets {
			if tg.timer != nil {
				tg.timer.Stop()
			}
		}
		w.mu.Unlock()

		close(w.stopCh)
		if running {
			<-w.doneCh
		}
		w.inflight.Wait()
		if err := w.fsw.Close(); err != nil {
			w.log.Warn("closing fsnotify watcher", zap.Error(err))
		}
		close(w.out)
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("fsnotify error", zap.Error(err))
		}
	}
}

// ─── Event handling ──────────────────────────────────────────────────────────

// handle attributes ev to its target and restarts the target's timer.
func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	path := filepath.Clean(ev.Name)
	key, ok := w.dirs[filepath.Dir(path)]
	if !ok {
		// Events on a watched directory itself (removal or rename).
		if key, ok = w.dirs[path]; !ok {
			return
		}
	}
	tg := w.targets[key]
	if tg == nil {
		return
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if _, watched := w.dirs[path]; watched {
			delete(w.dirs, path)
		}
	}

	isDir := false
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			isDir = true
		}
	}
	if !relevant(tg, path, isDir) {
		return
	}
	if isDir && tg.Kind == KindVault {
		// Files moved in with the directory produce no events of their own.
		if err := w.watchTreeLocked(path, tg); err != nil {
			w.log.Warn("watching new directory", zap.String("path", path), zap.Error(err))
		}
	}

	tg.paths[path] = struct{}{}
	tg.events++
	tg.gen++
	gen := tg.gen
	if tg.timer != nil {
		tg.timer.Stop()
	}
	tg.timer = time.AfterFunc(w.debounce, func() { w.fire(tg, gen) })
}

// fire delivers the pending notification for tg unless a newer event has
// rescheduled it.
func (w *Watcher) fire(tg *target, gen uint64) {
	w.mu.Lock()
	if w.stopped || tg.gen != gen || tg.events == 0 || w.targets[tg.key()] != tg {
		w.mu.Unlock()
		return
	}
	n := Notification{Kind: tg.Kind, ID: tg.ID, Events: tg.events}
	for p := range tg.paths {
		n.Paths = append(n.Paths, p)
	}
	sort.Strings(n.Paths)
	tg.paths = make(map[string]struct{})
	tg.events = 0
	w.inflight.Add(1)
	w.mu.Unlock()
	defer w.inflight.Done()

	w.log.Debug("target changed",
		zap.String("kind", string(n.Kind)),
		zap.String("id", n.ID),
		zap.Int("events", n.Events),
		zap.Int("paths", len(n.Paths)))

	select {
	case w.out <- n:
	case <-w.stopCh:
	}
}

// relevant filters out noise: temp files of atomic writes, hidden entries
// and, in vaults, anything that is not a markdown note or a directory.
func relevant(tg *target, path string, isDir bool) bool {
	rel, err := filepath.Rel(tg.Path, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") && part != "." {
			return false
		}
	}
	if strings.HasSuffix(path, ".tmp") {
		return false
	}
	if tg.Kind == KindVault && !isDir {
		return strings.EqualFold(filepath.Ext(path), ".md")
	}
	return true
}

// ─── Watch list ──────────────────────────────────────────────────────────────

func (w *Watcher) watchDirLocked(dir string, tg *target) error {
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watcher: watching %s: %w", dir, err)
	}
	w.dirs[dir] = tg.key()
	return nil
}

// watchTreeLocked watches dir and every non-hidden directory below it.
func (w *Watcher) watchTreeLocked(dir string, tg *target) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			w.log.Warn("skipping unreadable directory", zap.String("path", p), zap.Error(err))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.watchDirLocked(p, tg)
	})
}

func (w *Watcher) unwatchLocked(tg *target) {
	if tg.timer != nil {
		tg.timer.Stop()
	}
	tg.gen++
	key := tg.key()
	for dir, k := range w.dirs {
		if k != key {
			continue
		}
		if err := w.fsw.Remove(dir); err != nil {
			w.log.Debug("unwatching directory", zap.String("path", dir), zap.Error(err))
		}
		delete(w.dirs, dir)
	}
}
