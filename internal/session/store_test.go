package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/HendryAvila/papertrail/internal/budget"
)

func testRecord(id string) *Record {
	return &Record{
		ID:             id,
		Classification: budget.Adjacent,
		Consumed:       map[budget.Pool]int{budget.PoolNotes: 120},
	}
}

// --- Path helpers ---

func TestPaths(t *testing.T) {
	fs := NewFileStore("/data/sessions")
	if got, want := fs.Dir("abc"), filepath.Join("/data/sessions", "abc"); got != want {
		t.Errorf("Dir = %s, want %s", got, want)
	}
	if got, want := fs.RecordPath("abc"), filepath.Join("/data/sessions", "abc", RecordFile); got != want {
		t.Errorf("RecordPath = %s, want %s", got, want)
	}
}

// --- ValidateID ---

func TestValidateID(t *testing.T) {
	valid := []string{"abc", "A-1_b", "2026-03-01_refactor"}
	invalid := []string{"", "../etc", "a/b", "a b", "dot.dot", "ñ"}
	for _, id := range valid {
		if err := ValidateID(id); err != nil {
			t.Errorf("ValidateID(%q) = %v", id, err)
		}
	}
	for _, id := range invalid {
		if err := ValidateID(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("ValidateID(%q) = %v, want ErrInvalidID", id, err)
		}
	}
}

// --- Create / Load / Save ---

func TestCreateLoadRoundTrip(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	if err := fs.Create(testRecord("s1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := fs.Load("s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Classification != budget.Adjacent || got.Consumed[budget.PoolNotes] != 120 {
		t.Errorf("loaded = %+v", got)
	}
	if got.CreatedAt == "" || got.UpdatedAt == "" {
		t.Error("timestamps not set")
	}
}

func TestCreate_Duplicate(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	if err := fs.Create(testRecord("s1")); err != nil {
		t.Fatal(err)
	}
	if err := fs.Create(testRecord("s1")); err == nil {
		t.Error("expected error for duplicate session")
	}
}

func TestLoad_NotFound(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	if _, err := fs.Load("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load = %v, want ErrNotFound", err)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	if err := os.MkdirAll(fs.Dir("bad"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fs.RecordPath("bad"), []byte("not json {{{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Load("bad"); err == nil {
		t.Error("expected parse error")
	}
}

func TestSave_Updates(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	rec := testRecord("s1")
	if err := fs.Create(rec); err != nil {
		t.Fatal(err)
	}
	rec.Classification = budget.Fit
	if err := fs.Save(rec); err != nil {
		t.Fatal(err)
	}
	got, _ := fs.Load("s1")
	if got.Classification != budget.Fit {
		t.Errorf("Classification = %s, want fit", got.Classification)
	}
}

func TestChecksum_MatchesLastWrite(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	rec := testRecord("s1")
	if err := fs.Create(rec); err != nil {
		t.Fatal(err)
	}
	if rec.Checksum == "" {
		t.Fatal("Create did not set Checksum")
	}
	got, err := fs.Load("s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Checksum != rec.Checksum {
		t.Errorf("Load checksum %s != written %s", got.Checksum, rec.Checksum)
	}

	if err := os.WriteFile(fs.RecordPath("s1"), []byte(`{"id":"s1","classification":"fit"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	edited, err := fs.Load("s1")
	if err != nil {
		t.Fatal(err)
	}
	if edited.Checksum == rec.Checksum {
		t.Error("external edit kept the old checksum")
	}
}

// --- List ---

func TestList_SkipsJunk(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	for _, id := range []string{"a", "b"} {
		if err := fs.Create(testRecord(id)); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(fs.Root(), "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := fs.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("List() returned %d records, want 2", len(got))
	}
}

func TestList_MissingRoot(t *testing.T) {
	fs := NewFileStore(filepath.Join(t.TempDir(), "nope"))
	got, err := fs.List()
	if err != nil || got != nil {
		t.Errorf("List() = %v, %v; want nil, nil", got, err)
	}
}
