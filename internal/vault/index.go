// Package vault indexes a read-only corpus of markdown notes into a
// bidirectional link graph.
//
// A build runs in two passes. The forward pass parses every note in
// parallel and collects titles, aliases, tags and raw links. The second
// pass resolves each link against the complete set and records the source
// as a backlink on the target. Builds never patch the live index: the new
// snapshot replaces the old one under a single write lock.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/HendryAvila/papertrail/internal/fsutil"
	"github.com/HendryAvila/papertrail/internal/tokens"
)

var (
	// ErrNotFound is returned for paths that are not indexed notes.
	ErrNotFound = errors.New("vault: note not found")
	// ErrPathEscape is returned when a path resolves outside the vault root.
	ErrPathEscape = errors.New("vault: path escapes vault root")
	// ErrNotConfigured is returned by Rebuild when no root is set.
	ErrNotConfigured = errors.New("vault: no vault path configured")
)

// Error kinds recorded in BuildStats.
const (
	ErrKindIO          = "io"
	ErrKindMalformed   = "malformed"
	ErrKindContainment = "containment"
)

// BuildError describes one file the build skipped.
type BuildError struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// BuildStats summarises the last completed build.
type BuildStats struct {
	Root     string        `json:"root"`
	Notes    int           `json:"notes"`
	Links    int           `json:"links"`
	Resolved int           `json:"resolved"`
	Dangling int           `json:"dangling"`
	Tags     int           `json:"tags"`
	Errors   []BuildError  `json:"errors"`
	Duration time.Duration `json:"duration"`
	BuiltAt  time.Time     `json:"built_at"`
}

// Counter counts tokens.
type Counter interface {
	Count(text string) int
}

// Options configures an Index.
type Options struct {
	Counter Counter
	Logger  *zap.Logger
	// Workers bounds the forward pass. Zero means runtime.NumCPU().
	Workers int
}

// Index is the shared note graph. Reads run concurrently; a rebuild
// blocks readers only for the final swap.
type Index struct {
	root    string
	counter Counter
	log     *zap.Logger
	workers int

	mu   sync.RWMutex
	snap *snapshot

	builds singleflight.Group
}

type snapshot struct {
	root       string
	notes      map[string]*Note
	titles     map[string]string
	aliases    map[string]string
	normalized map[string]string
	tags       map[string][]string
	stats      BuildStats
}

func emptySnapshot(root string) *snapshot {
	return &snapshot{
		root:       root,
		notes:      map[string]*Note{},
		titles:     map[string]string{},
		aliases:    map[string]string{},
		normalized: map[string]string{},
		tags:       map[string][]string{},
		stats:      BuildStats{Root: root, Errors: []BuildError{}},
	}
}

// New returns an empty index over root. Nothing is read until Rebuild.
func New(root string, opts Options) *Index {
	ix := &Index{
		root:    root,
		counter: opts.Counter,
		log:     opts.Logger,
		workers: opts.Workers,
	}
	if ix.counter == nil {
		ix.counter = tokens.Estimator
	}
	if ix.log == nil {
		ix.log = zap.NewNop()
	}
	if ix.workers <= 0 {
		ix.workers = runtime.NumCPU()
	}
	ix.snap = emptySnapshot(root)
	return ix
}

// Root returns the configured vault root.
func (ix *Index) Root() string { return ix.root }

func (ix *Index) current() *snapshot {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.snap
}

// Rebuild re-indexes the whole vault and swaps the result in. Concurrent
// calls share one build. The build runs to completion even if ctx is
// cancelled so the index is never left half-swapped; ctx only bounds how
// long the caller waits.
func (ix *Index) Rebuild(ctx context.Context) (BuildStats, error) {
	if ix.root == "" {
		return BuildStats{}, ErrNotConfigured
	}
	ch := ix.builds.DoChan("build", func() (any, error) {
		return ix.build(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return BuildStats{}, res.Err
		}
		return res.Val.(BuildStats), nil
	case <-ctx.Done():
		return BuildStats{}, ctx.Err()
	}
}

type candidate struct {
	rel  string
	real string
}

func (ix *Index) build(ctx context.Context) (BuildStats, error) {
	start := time.Now()
	root, err := fsutil.CanonicalRoot(ix.root)
	if err != nil {
		return BuildStats{}, fmt.Errorf("vault: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return BuildStats{}, fmt.Errorf("vault: %w", err)
	}
	if !info.IsDir() {
		return BuildStats{}, fmt.Errorf("vault: %s is not a directory", root)
	}

	snap := emptySnapshot(root)
	var errs []BuildError
	var files []candidate

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, BuildError{Path: relPath(root, p), Kind: ErrKindIO, Message: err.Error()})
			if d != nil && d.IsDir() && p != root {
				return fs.SkipDir
			}
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(p), ".md") {
			return nil
		}
		real, err := fsutil.Contain(root, p)
		if err != nil {
			kind := ErrKindIO
			if errors.Is(err, fsutil.ErrOutsideRoot) {
				kind = ErrKindContainment
			}
			errs = append(errs, BuildError{Path: relPath(root, p), Kind: kind, Message: err.Error()})
			return nil
		}
		files = append(files, candidate{rel: relPath(root, p), real: real})
		return nil
	})
	if walkErr != nil {
		return BuildStats{}, fmt.Errorf("vault: walking %s: %w", root, walkErr)
	}

	// Pass 1: forward scan.
	parsed := make([]*Note, len(files))
	failures := make([]*BuildError, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)
	for i, f := range files {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			n, kind, err := ix.readNote(f)
			if err != nil {
				failures[i] = &BuildError{Path: f.rel, Kind: kind, Message: err.Error()}
				return nil
			}
			parsed[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BuildStats{}, fmt.Errorf("vault: %w", err)
	}

	for i, n := range parsed {
		if failures[i] != nil {
			errs = append(errs, *failures[i])
			continue
		}
		snap.notes[n.Path] = n
	}

	// Maps are filled in path order so collisions resolve deterministically.
	paths := make([]string, 0, len(snap.notes))
	for p := range snap.notes {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	for _, p := range paths {
		n := snap.notes[p]
		setOnce(snap.titles, strings.ToLower(n.Title), p)
		setOnce(snap.normalized, normalizeTitle(n.Title), p)
		for _, a := range n.Aliases {
			setOnce(snap.aliases, strings.ToLower(a), p)
			setOnce(snap.normalized, normalizeTitle(a), p)
		}
		for _, t := range n.Tags {
			snap.tags[t] = append(snap.tags[t], p)
		}
	}

	// Pass 2: resolve links and record backlinks.
	fz := newFuzzyResolver(snap.titles)
	for _, p := range paths {
		n := snap.notes[p]
		for i := range n.Links {
			l := &n.Links[i]
			l.Resolved, l.Via = snap.resolve(l, fz)
			snap.stats.Links++
			if l.Resolved == "" {
				snap.stats.Dangling++
				continue
			}
			snap.stats.Resolved++
			if l.Resolved == p {
				continue
			}
			target := snap.notes[l.Resolved]
			if !slices.Contains(target.Backlinks, p) {
				target.Backlinks = append(target.Backlinks, p)
			}
		}
	}
	for _, n := range snap.notes {
		slices.Sort(n.Backlinks)
	}

	sort.Slice(errs, func(i, j int) bool { return errs[i].Path < errs[j].Path })
	snap.stats.Root = root
	snap.stats.Notes = len(snap.notes)
	snap.stats.Tags = len(snap.tags)
	snap.stats.Errors = append([]BuildError{}, errs...)
	snap.stats.BuiltAt = time.Now().UTC()
	snap.stats.Duration = time.Since(start)

	ix.mu.Lock()
	ix.snap = snap
	ix.mu.Unlock()

	for _, e := range errs {
		ix.log.Warn("vault file skipped", zap.String("path", e.Path), zap.String("kind", e.Kind), zap.String("reason", e.Message))
	}
	ix.log.Info("vault indexed",
		zap.String("root", root),
		zap.Int("notes", snap.stats.Notes),
		zap.Int("links", snap.stats.Links),
		zap.Int("dangling", snap.stats.Dangling),
		zap.Int("errors", len(errs)),
		zap.Duration("took", snap.stats.Duration))
	return cloneStats(snap.stats), nil
}

// readNote opens a contained file read-only and parses it.
func (ix *Index) readNote(c candidate) (*Note, string, error) {
	f, err := os.Open(c.real)
	if err != nil {
		return nil, ErrKindIO, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, ErrKindIO, err
	}
	src, err := io.ReadAll(f)
	if err != nil {
		return nil, ErrKindIO, err
	}
	n, err := parseNote(c.rel, src, info.ModTime(), ix.counter.Count)
	if err != nil {
		return nil, ErrKindMalformed, err
	}
	return n, "", nil
}

// resolve maps a raw link to a note path: exact path, path plus ".md",
// title or alias, normalized title, then a fuzzy title match.
func (s *snapshot) resolve(l *Link, fz *fuzzyResolver) (string, string) {
	target := strings.TrimPrefix(l.Target, "./")
	if _, ok := s.notes[target]; ok {
		return target, "path"
	}
	if _, ok := s.notes[target+".md"]; ok {
		return target + ".md", "path"
	}
	lower := strings.ToLower(target)
	if p, ok := s.titles[lower]; ok {
		return p, "title"
	}
	if p, ok := s.aliases[lower]; ok {
		return p, "alias"
	}
	if p, ok := s.normalized[normalizeTitle(target)]; ok {
		return p, "normalized"
	}
	// A path-style link that missed is dangling; fuzzy matching applies to
	// bare titles only.
	if strings.Contains(target, "/") {
		return "", ""
	}
	if p := fz.match(lower); p != "" {
		return p, "fuzzy"
	}
	return "", ""
}

// fuzzyResolver matches misspelled titles against titles of similar length.
type fuzzyResolver struct {
	titles []string
	paths  []string
}

func newFuzzyResolver(titles map[string]string) *fuzzyResolver {
	fz := &fuzzyResolver{}
	for t := range titles {
		fz.titles = append(fz.titles, t)
	}
	slices.Sort(fz.titles)
	for _, t := range fz.titles {
		fz.paths = append(fz.paths, titles[t])
	}
	return fz
}

func (fz *fuzzyResolver) match(title string) string {
	slack := max(2, len(title)/5)
	var candidates []string
	var paths []string
	for i, t := range fz.titles {
		if d := len(t) - len(title); d >= -slack && d <= slack {
			candidates = append(candidates, t)
			paths = append(paths, fz.paths[i])
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	matches := fuzzy.Find(title, candidates)
	if len(matches) == 0 {
		return ""
	}
	return paths[matches[0].Index]
}

func setOnce(m map[string]string, key, value string) {
	if key == "" {
		return
	}
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}

func relPath(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

func cloneStats(s BuildStats) BuildStats {
	s.Errors = slices.Clone(s.Errors)
	if s.Errors == nil {
		s.Errors = []BuildError{}
	}
	return s
}
