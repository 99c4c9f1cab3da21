package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testDebounce = 100 * time.Millisecond

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := New(Options{Debounce: testDebounce})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

// canonicalDir returns a temp dir with symlinks resolved, matching the
// paths the watcher reports.
func canonicalDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

func waitNotification(t *testing.T, w *Watcher) Notification {
	t.Helper()
	select {
	case n, ok := <-w.Notifications():
		if !ok {
			t.Fatal("notification channel closed")
		}
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}
	return Notification{}
}

func expectQuiet(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case n := <-w.Notifications():
		t.Fatalf("unexpected notification %+v", n)
	case <-time.After(4 * testDebounce):
	}
}

func TestHandle_TenEventsOneNotification(t *testing.T) {
	dir := canonicalDir(t)
	w := newTestWatcher(t)
	if err := w.Add(Target{Kind: KindSession, ID: "s1", Path: dir}); err != nil {
		t.Fatal(err)
	}

	trail := filepath.Join(dir, "trail.json")
	for i := 0; i < 10; i++ {
		w.handle(fsnotify.Event{Name: trail, Op: fsnotify.Write})
	}

	n := waitNotification(t, w)
	if n.Kind != KindSession || n.ID != "s1" {
		t.Errorf("notification = %+v", n)
	}
	if n.Events != 10 {
		t.Errorf("Events = %d, want 10", n.Events)
	}
	if len(n.Paths) != 1 || n.Paths[0] != trail {
		t.Errorf("Paths = %v", n.Paths)
	}
	expectQuiet(t, w)
}

func TestHandle_EachEventResetsTimer(t *testing.T) {
	dir := canonicalDir(t)
	w := newTestWatcher(t)
	if err := w.Add(Target{Kind: KindSession, ID: "s1", Path: dir}); err != nil {
		t.Fatal(err)
	}

	// Spread events over more than one window; none is quiet long enough.
	p := filepath.Join(dir, "session.json")
	for i := 0; i < 6; i++ {
		w.handle(fsnotify.Event{Name: p, Op: fsnotify.Write})
		time.Sleep(testDebounce / 3)
	}
	n := waitNotification(t, w)
	if n.Events != 6 {
		t.Errorf("Events = %d, want 6", n.Events)
	}
	expectQuiet(t, w)
}

func TestHandle_FiltersNoise(t *testing.T) {
	dir := canonicalDir(t)
	w := newTestWatcher(t)
	if err := w.Add(Target{Kind: KindVault, ID: "vault", Path: dir}); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{
		"image.png",
		".obsidian/workspace.md",
		"note.md.tmp",
		"outside/../../elsewhere.md",
	} {
		w.handle(fsnotify.Event{Name: filepath.Join(dir, name), Op: fsnotify.Write})
	}
	w.handle(fsnotify.Event{Name: filepath.Join(dir, "note.md"), Op: fsnotify.Chmod})
	expectQuiet(t, w)
}

func TestHandle_TargetsAreIndependent(t *testing.T) {
	sessionDir := canonicalDir(t)
	vaultDir := canonicalDir(t)
	w := newTestWatcher(t)
	if err := w.Add(Target{Kind: KindSession, ID: "s1", Path: sessionDir}); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(Target{Kind: KindVault, ID: "vault", Path: vaultDir}); err != nil {
		t.Fatal(err)
	}

	w.handle(fsnotify.Event{Name: filepath.Join(sessionDir, "trail.json"), Op: fsnotify.Write})
	w.handle(fsnotify.Event{Name: filepath.Join(vaultDir, "a.md"), Op: fsnotify.Create})

	got := map[Kind]Notification{}
	for i := 0; i < 2; i++ {
		n := waitNotification(t, w)
		got[n.Kind] = n
	}
	if got[KindSession].ID != "s1" || got[KindVault].ID != "vault" {
		t.Errorf("notifications = %+v", got)
	}
}

func TestRemove_DiscardsPending(t *testing.T) {
	dir := canonicalDir(t)
	w := newTestWatcher(t)
	if err := w.Add(Target{Kind: KindSession, ID: "s1", Path: dir}); err != nil {
		t.Fatal(err)
	}
	w.handle(fsnotify.Event{Name: filepath.Join(dir, "trail.json"), Op: fsnotify.Write})
	w.Remove(KindSession, "s1")
	expectQuiet(t, w)
	if len(w.Targets()) != 0 {
		t.Errorf("Targets = %v", w.Targets())
	}
}

func TestWatcher_FileSystemBurst(t *testing.T) {
	dir := canonicalDir(t)
	w := newTestWatcher(t)
	if err := w.Add(Target{Kind: KindVault, ID: "vault", Path: dir}); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	note := filepath.Join(dir, "note.md")
	for i := 0; i < 10; i++ {
		if err := os.WriteFile(note, []byte("# Note\n\nrevision "+string(rune('0'+i))), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	n := waitNotification(t, w)
	if n.Kind != KindVault || len(n.Paths) != 1 || n.Paths[0] != note {
		t.Errorf("notification = %+v", n)
	}
	expectQuiet(t, w)
}

func TestWatcher_NewDirectoriesAreWatched(t *testing.T) {
	dir := canonicalDir(t)
	w := newTestWatcher(t)
	if err := w.Add(Target{Kind: KindVault, ID: "vault", Path: dir}); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	sub := filepath.Join(dir, "projects")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	waitNotification(t, w)

	nested := filepath.Join(sub, "plan.md")
	if err := os.WriteFile(nested, []byte("plan"), 0o644); err != nil {
		t.Fatal(err)
	}
	n := waitNotification(t, w)
	found := false
	for _, p := range n.Paths {
		found = found || p == nested
	}
	if !found {
		t.Errorf("Paths = %v, want %s", n.Paths, nested)
	}
}

func TestWatcher_StopClosesChannel(t *testing.T) {
	w, err := New(Options{Debounce: testDebounce})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop()

	if _, ok := <-w.Notifications(); ok {
		t.Error("channel still open after Stop")
	}
	if err := w.Add(Target{Kind: KindSession, ID: "s1", Path: t.TempDir()}); !errors.Is(err, ErrStopped) {
		t.Errorf("Add after Stop = %v, want ErrStopped", err)
	}
	if err := w.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
}

func TestAdd_Validates(t *testing.T) {
	w := newTestWatcher(t)
	if err := w.Add(Target{Kind: "bogus", ID: "x", Path: t.TempDir()}); err == nil {
		t.Error("unknown kind accepted")
	}
	if err := w.Add(Target{Kind: KindSession, ID: "x", Path: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("missing directory accepted")
	}
	f := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(f, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(Target{Kind: KindSession, ID: "x", Path: f}); err == nil {
		t.Error("file target accepted")
	}
}
