package trail

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type wordCounter struct{}

func (wordCounter) Count(s string) int { return len(strings.Fields(s)) }

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New("s1", t.TempDir(), wordCounter{}, WithClock(clk.Now)), clk
}

func mustAppend(t *testing.T, s *Store, tier Tier, content string) Item {
	t.Helper()
	it, err := s.Append(tier, content, false)
	if err != nil {
		t.Fatalf("Append(%s): %v", tier, err)
	}
	return it
}

// --- Tiers ---

func TestTierCeilings(t *testing.T) {
	want := map[Tier]int{1: 500, 2: 1500, 3: 3000, 4: 1000, 5: 0}
	for tier, c := range want {
		if tier.Ceiling() != c {
			t.Errorf("%s ceiling = %d, want %d", tier, tier.Ceiling(), c)
		}
	}
}

func TestTierCompressible(t *testing.T) {
	if TierHead.Compressible(true) {
		t.Error("tier 1 must never be compressible")
	}
	if TierKeyEvidence.Compressible(false) {
		t.Error("tier 2 compressible without force")
	}
	if !TierKeyEvidence.Compressible(true) {
		t.Error("tier 2 should be compressible when forced")
	}
	if !TierRecent.Compressible(false) || !TierHistorical.Compressible(false) {
		t.Error("tiers 3 and 4 should be compressible")
	}
	if TierArchived.Compressible(true) {
		t.Error("tier 5 is not a compression source")
	}
}

// --- Append ---

func TestAppend_TracksTokensPerTier(t *testing.T) {
	s, _ := newTestStore(t)
	mustAppend(t, s, TierHead, "thesis: caching fixes latency")
	mustAppend(t, s, TierRecent, "one two three")
	mustAppend(t, s, TierRecent, "four five")

	by := s.TokensByTier()
	if by[TierHead] != 4 {
		t.Errorf("head tokens = %d, want 4", by[TierHead])
	}
	if by[TierRecent] != 5 {
		t.Errorf("recent tokens = %d, want 5", by[TierRecent])
	}
	if by[TierArchived] != 0 {
		t.Errorf("archived tokens = %d, want 0", by[TierArchived])
	}
	if s.LiveTokens() != 9 {
		t.Errorf("LiveTokens() = %d, want 9", s.LiveTokens())
	}
}

func TestAppend_RejectsTier5AndEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Append(TierArchived, "x", false); !errors.Is(err, ErrArchivedTier) {
		t.Errorf("Append(tier5) = %v, want ErrArchivedTier", err)
	}
	if _, err := s.Append(TierRecent, "   ", false); err == nil {
		t.Error("expected error for empty content")
	}
	if _, err := s.Append(Tier(9), "x", false); err == nil {
		t.Error("expected error for invalid tier")
	}
}

func TestAppend_PersistFailureLeavesTierUnchanged(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New("s1", filepath.Join(blocker, "s1"), wordCounter{})

	if _, err := s.Append(TierRecent, "lost on disk", false); err == nil {
		t.Fatal("expected persist error")
	}
	if items := s.Items(TierRecent); len(items) != 0 {
		t.Errorf("failed append left %d item(s) in memory", len(items))
	}
	if s.LiveTokens() != 0 {
		t.Errorf("LiveTokens() = %d after failed append", s.LiveTokens())
	}
}

func TestOverflow(t *testing.T) {
	s, _ := newTestStore(t)
	mustAppend(t, s, TierHead, strings.Repeat("w ", 510))
	if got := s.Overflow(TierHead); got != 10 {
		t.Errorf("Overflow(head) = %d, want 10", got)
	}
	if got := s.Overflow(TierRecent); got != 0 {
		t.Errorf("Overflow(recent) = %d, want 0", got)
	}
}

// --- Replace ---

func TestReplace_NeverTouchesTier1(t *testing.T) {
	s, _ := newTestStore(t)
	head := mustAppend(t, s, TierHead, "thesis")

	err := s.Replace(TierHead, []string{head.ID}, nil)
	if !errors.Is(err, ErrTier1Immutable) {
		t.Fatalf("Replace(head) = %v, want ErrTier1Immutable", err)
	}
	if _, ok := s.Item(head.ID); !ok {
		t.Error("head item disappeared")
	}
}

func TestReplace_MergesIntoTarget(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustAppend(t, s, TierRecent, "alpha beta")
	b := mustAppend(t, s, TierRecent, "gamma delta")

	err := s.Replace(TierRecent, []string{a.ID, b.ID}, &Item{
		Tier:       TierHistorical,
		Content:    "alpha gamma",
		State:      StateCompressed,
		MergedFrom: []string{a.ID, b.ID},
	})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if n := len(s.Items(TierRecent)); n != 0 {
		t.Errorf("recent items = %d, want 0", n)
	}
	hist := s.Items(TierHistorical)
	if len(hist) != 1 || hist[0].Tokens != 2 || len(hist[0].MergedFrom) != 2 {
		t.Errorf("historical = %+v", hist)
	}
}

func TestReplace_UnknownID(t *testing.T) {
	s, _ := newTestStore(t)
	mustAppend(t, s, TierRecent, "x")
	if err := s.Replace(TierRecent, []string{"nope"}, nil); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("Replace = %v, want ErrItemNotFound", err)
	}
}

// --- Aging ---

func TestMarkAgedAndTouch(t *testing.T) {
	s, clk := newTestStore(t)
	it := mustAppend(t, s, TierRecent, "old finding")
	clk.Advance(8 * 24 * time.Hour)

	n, err := s.MarkAged(DefaultAgePolicy)
	if err != nil || n != 1 {
		t.Fatalf("MarkAged = %d, %v; want 1, nil", n, err)
	}
	got, _ := s.Item(it.ID)
	if got.State != StateAged {
		t.Errorf("state = %s, want aged", got.State)
	}

	if err := s.Touch(it.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Item(it.ID)
	if got.State != StateActive || got.Age(clk.Now()) != 0 {
		t.Errorf("after Touch: state=%s age=%s", got.State, got.Age(clk.Now()))
	}
}

// --- Persistence ---

func TestPersistAndReopen(t *testing.T) {
	dir := t.TempDir()
	s := New("s1", dir, wordCounter{})
	head, _ := s.Append(TierHead, "head thesis", false)
	if err := s.RecordArchived(ArchiveRef{ItemID: "gone", ArchiveID: "a1", FromTier: TierHistorical}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.Path()); err != nil {
		t.Fatalf("trail file missing: %v", err)
	}

	re, err := Open("s1", dir, wordCounter{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := re.Item(head.ID); !ok {
		t.Error("head item lost on reopen")
	}
	if refs := re.Archived(); len(refs) != 1 || refs[0].ArchiveID != "a1" {
		t.Errorf("archived refs = %+v", refs)
	}
}

func TestReload_SkipsOwnWrite(t *testing.T) {
	dir := t.TempDir()
	s := New("s1", dir, wordCounter{})
	mustAppend(t, s, TierRecent, "first")
	onDisk, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, s, TierRecent, "second")

	// Notifications for its own writes leave memory untouched.
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n := len(s.Items(TierRecent)); n != 2 {
		t.Fatalf("recent items after own-write reload = %d, want 2", n)
	}

	// An external edit is picked up.
	if err := os.WriteFile(s.Path(), onDisk, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n := len(s.Items(TierRecent)); n != 1 {
		t.Errorf("recent items after external edit = %d, want 1", n)
	}
}

func TestResurface_AddsTier3Item(t *testing.T) {
	s, _ := newTestStore(t)
	it, err := s.Resurface("arch-1", "recovered detail")
	if err != nil {
		t.Fatal(err)
	}
	if it.Tier != TierRecent || it.ResurfacedFrom != "arch-1" {
		t.Errorf("resurfaced item = %+v", it)
	}
}

func TestRender_HeadFirstWithinBudget(t *testing.T) {
	s, _ := newTestStore(t)
	mustAppend(t, s, TierRecent, "recent note here")
	mustAppend(t, s, TierHead, "the thesis")

	out, used := s.Render(3)
	if out != "[T1] the thesis" {
		t.Errorf("Render = %q", out)
	}
	if used != 3 {
		t.Errorf("used = %d, want 3", used)
	}
}

func TestRender_CountsLabelsAndSeparators(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 20; i++ {
		mustAppend(t, s, TierRecent, "step")
	}

	out, used := s.Render(0)
	if want := (wordCounter{}).Count(out); used != want {
		t.Errorf("used = %d, rendered text counts %d", used, want)
	}
	if used != 40 {
		t.Errorf("used = %d, want 40", used)
	}

	out, used = s.Render(11)
	if used > 11 || (wordCounter{}).Count(out) != used {
		t.Errorf("Render(11) used = %d, text counts %d", used, (wordCounter{}).Count(out))
	}
}

// --- Triggers ---

func TestTriggerValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		trig    Trigger
		wantErr bool
	}{
		{"age 3->4", NewTrigger("s", KindAgeDemotion, TierRecent, TierHistorical, now), false},
		{"age 4->5", NewTrigger("s", KindAgeDemotion, TierHistorical, TierArchived, now), false},
		{"head source", NewTrigger("s", KindUserRequest, TierHead, TierKeyEvidence, now), true},
		{"backwards", NewTrigger("s", KindUserRequest, TierHistorical, TierRecent, now), true},
		{"bad kind", NewTrigger("s", "whim", TierRecent, TierHistorical, now), true},
		{"pressure without tokens", NewTrigger("s", KindBudgetPressure, 0, 0, now), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.trig.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	p := NewTrigger("s", KindBudgetPressure, 0, 0, now)
	p.TokensToFree = 100
	if err := p.Validate(); err != nil {
		t.Errorf("pressure trigger with tokens: %v", err)
	}
}
