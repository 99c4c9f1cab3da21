package budget

import (
	"sync"
	"testing"

	"github.com/HendryAvila/papertrail/internal/trail"
)

// recordingSink captures submitted triggers and optionally frees tokens
// the way the compression engine does.
type recordingSink struct {
	mu       sync.Mutex
	triggers []trail.Trigger
	alloc    *Allocator
	free     int
}

func (s *recordingSink) Submit(t trail.Trigger) {
	s.mu.Lock()
	s.triggers = append(s.triggers, t)
	s.mu.Unlock()
	if s.alloc != nil && s.free > 0 {
		s.alloc.Release(PoolHistory, s.free)
	}
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.triggers)
}

// newTestAllocator gives a working budget of exactly 1000 tokens.
func newTestAllocator(t *testing.T, c Classification, sink TriggerSink) *Allocator {
	t.Helper()
	a, err := NewAllocator(Config{SessionID: "s1", Total: 1100, Reserved: 100, Classification: c, Sink: sink})
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	return a
}

func mustAccept(t *testing.T, a *Allocator, p Pool, n int) Decision {
	t.Helper()
	d := a.RecordConsumption(p, n)
	if !d.Accepted {
		t.Fatalf("RecordConsumption(%s, %d) rejected: %s", p, n, d.Reason)
	}
	return d
}

// --- Tables ---

func TestTables_SumTo100(t *testing.T) {
	for _, c := range Classifications() {
		tbl, err := Table(c)
		if err != nil {
			t.Fatalf("Table(%s): %v", c, err)
		}
		if tbl.Sum() != 100 {
			t.Errorf("%s sums to %d, want 100", c, tbl.Sum())
		}
	}
}

func TestTables_Values(t *testing.T) {
	tests := []struct {
		c    Classification
		want [4]int
	}{
		{Fit, [4]int{40, 20, 10, 30}},
		{Adjacent, [4]int{20, 30, 20, 30}},
		{NetNew, [4]int{5, 15, 20, 60}},
		{Quick, [4]int{0, 5, 35, 60}},
	}
	for _, tt := range tests {
		tbl, _ := Table(tt.c)
		for i, p := range Pools {
			if tbl[p] != tt.want[i] {
				t.Errorf("%s[%s] = %d, want %d", tt.c, p, tbl[p], tt.want[i])
			}
		}
	}
}

func TestTable_ReturnsCopy(t *testing.T) {
	tbl, _ := Table(Fit)
	tbl[PoolHistory] = 99
	again, _ := Table(Fit)
	if again[PoolHistory] != 40 {
		t.Error("mutating a returned table changed the shared table")
	}
}

func TestAllocate_NeverExceedsWorking(t *testing.T) {
	for _, c := range Classifications() {
		for _, working := range []int{0, 1, 7, 999, 72000, 72001} {
			alloc, err := Allocate(c, working)
			if err != nil {
				t.Fatal(err)
			}
			sum := 0
			for _, n := range alloc {
				sum += n
			}
			if sum > working {
				t.Errorf("Allocate(%s, %d) sums to %d", c, working, sum)
			}
		}
	}
}

func TestAllocate_DefaultWindow(t *testing.T) {
	alloc, err := Allocate(Fit, 72000)
	if err != nil {
		t.Fatal(err)
	}
	if alloc[PoolHistory] != 28800 || alloc[PoolReasoning] != 21600 {
		t.Errorf("Fit allocation = %v", alloc)
	}
}

func TestAllocate_UnknownClassification(t *testing.T) {
	if _, err := Allocate("mystery", 1000); err == nil {
		t.Fatal("expected error for unknown classification")
	}
}

// --- Status ---

func TestStatusFor_Boundaries(t *testing.T) {
	tests := []struct {
		used int
		want Status
	}{
		{0, StatusNominal},
		{699, StatusNominal},
		{700, StatusAutoCompress},
		{849, StatusAutoCompress},
		{850, StatusWarnUser},
		{949, StatusWarnUser},
		{950, StatusForceCompress},
		{1000, StatusForceCompress},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.used, 1000); got != tt.want {
			t.Errorf("StatusFor(%d/1000) = %s, want %s", tt.used, got, tt.want)
		}
	}
}

// --- RecordConsumption ---

func TestRecordConsumption_EmitsOnTransitions(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAllocator(t, Fit, sink)

	mustAccept(t, a, PoolHistory, 400)
	if sink.count() != 0 {
		t.Fatalf("triggers at 40%% = %d, want 0", sink.count())
	}

	d := mustAccept(t, a, PoolReasoning, 300) // 70%
	if d.Trigger == nil || sink.count() != 1 {
		t.Fatalf("expected one trigger at 70%%, got %d", sink.count())
	}
	if d.Trigger.Kind != trail.KindBudgetPressure || d.Trigger.Forced {
		t.Errorf("trigger = %+v", d.Trigger)
	}
	if d.Trigger.TokensToFree <= 0 {
		t.Errorf("TokensToFree = %d, want > 0", d.Trigger.TokensToFree)
	}

	d = mustAccept(t, a, PoolNotes, 150) // 85%
	if d.Status != StatusWarnUser || d.Advisory == "" {
		t.Errorf("at 85%%: status=%s advisory=%q", d.Status, d.Advisory)
	}
	if sink.count() != 1 {
		t.Errorf("WARN_USER must not emit, triggers = %d", sink.count())
	}

	mustAccept(t, a, PoolNotes, 50)
	d = mustAccept(t, a, PoolReference, 50) // 95%
	if d.Trigger == nil || !d.Trigger.Forced {
		t.Fatalf("expected forced trigger at 95%%, got %+v", d.Trigger)
	}
	if sink.count() != 2 {
		t.Errorf("triggers = %d, want 2", sink.count())
	}
}

func TestRecordConsumption_ForceCompressBlocks(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAllocator(t, Quick, sink) // notes 50, reference 350, reasoning 600
	mustAccept(t, a, PoolReasoning, 600)
	mustAccept(t, a, PoolReference, 350) // 95%
	if a.Status() != StatusForceCompress {
		t.Fatalf("status = %s", a.Status())
	}

	d := a.RecordConsumption(PoolNotes, 1)
	if d.Accepted || !d.Blocked || !d.NeedsRelease {
		t.Fatalf("consumption at force_compress accepted: %+v", d)
	}
	if d.Trigger == nil || !d.Trigger.Forced {
		t.Errorf("blocked call should submit a forced trigger")
	}
	if a.Report().Used != 950 {
		t.Errorf("blocked call changed usage to %d", a.Report().Used)
	}
}

func TestRecordConsumption_ReleaseRecoversFromForceCompress(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAllocator(t, Quick, sink)
	mustAccept(t, a, PoolReasoning, 600)
	mustAccept(t, a, PoolReference, 350) // 95%, nothing compressible

	d := a.RecordConsumption(PoolNotes, 1)
	if !d.Blocked || !d.NeedsRelease {
		t.Fatalf("decision = %+v, want blocked with NeedsRelease", d)
	}

	a.Release(PoolReasoning, 300)
	if a.Status() != StatusNominal {
		t.Fatalf("status after release = %s, want nominal", a.Status())
	}
	mustAccept(t, a, PoolNotes, 1)
	if got := a.Report().Used; got != 651 {
		t.Errorf("used = %d, want 651", got)
	}
}

func TestRecordConsumption_ForcedCompressionThenCharges(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAllocator(t, Fit, sink) // history 400, notes 200
	mustAccept(t, a, PoolHistory, 400)
	mustAccept(t, a, PoolReasoning, 300)
	mustAccept(t, a, PoolReference, 100)
	mustAccept(t, a, PoolNotes, 150) // 95%
	sink.alloc, sink.free = a, 300

	d := a.RecordConsumption(PoolNotes, 10)
	if !d.Accepted || d.Blocked {
		t.Fatalf("decision after freeing compression = %+v", d)
	}
	if d.Trigger == nil || !d.Trigger.Forced {
		t.Errorf("decision should carry the forced trigger, got %+v", d.Trigger)
	}
	if got := a.Report().Used; got != 660 {
		t.Errorf("used = %d, want 660", got)
	}
}

func TestRecordConsumption_CompressionUnblocks(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAllocator(t, Fit, sink)
	sink.alloc, sink.free = a, 300

	mustAccept(t, a, PoolHistory, 400)
	mustAccept(t, a, PoolReasoning, 250)  // 65%
	d := mustAccept(t, a, PoolNotes, 100) // 75% -> auto, sink frees 300

	if d.Status != StatusNominal {
		t.Errorf("status after synchronous compression = %s, want nominal", d.Status)
	}
	if got := a.Report().Pools[PoolHistory].Consumed; got != 100 {
		t.Errorf("history consumed = %d, want 100", got)
	}
}

func TestRecordConsumption_Rejections(t *testing.T) {
	a := newTestAllocator(t, Quick, nil)

	if d := a.RecordConsumption(PoolHistory, 1); d.Accepted {
		t.Error("Quick has a zero history pool; consumption should be rejected")
	}
	if d := a.RecordConsumption(PoolNotes, 51); d.Accepted {
		t.Error("oversubscription accepted")
	}
	if d := a.RecordConsumption("scratch", 1); d.Accepted {
		t.Error("unknown pool accepted")
	}
	if d := a.RecordConsumption(PoolNotes, 0); d.Accepted {
		t.Error("zero tokens accepted")
	}
	if a.Report().Used != 0 {
		t.Errorf("rejections changed usage to %d", a.Report().Used)
	}
}

func TestRecordConsumption_Concurrent(t *testing.T) {
	a := newTestAllocator(t, NetNew, nil) // reasoning 600
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.RecordConsumption(PoolReasoning, 10)
		}()
	}
	wg.Wait()
	if got := a.Report().Pools[PoolReasoning].Consumed; got != 600 {
		t.Errorf("reasoning consumed = %d, want exactly the 600 ceiling", got)
	}
}

// --- Reclassify / Restore ---

func TestReclassify_KeepsConsumption(t *testing.T) {
	a := newTestAllocator(t, NetNew, nil)
	mustAccept(t, a, PoolNotes, 100)

	if err := a.Reclassify(Fit); err != nil {
		t.Fatal(err)
	}
	r := a.Report()
	if r.Classification != Fit || r.Pools[PoolNotes].Allocated != 200 || r.Pools[PoolNotes].Consumed != 100 {
		t.Errorf("after reclassify: %+v", r)
	}
	if err := a.Reclassify("bogus"); err == nil {
		t.Error("expected error for unknown classification")
	}
}

func TestRestore_SetsStatusWithoutEmitting(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAllocator(t, Fit, sink)
	a.Restore(map[Pool]int{PoolHistory: 400, PoolReasoning: 300, PoolNotes: 50})
	if a.Status() != StatusAutoCompress {
		t.Errorf("status = %s, want auto_compress", a.Status())
	}
	if sink.count() != 0 {
		t.Error("Restore emitted a trigger")
	}
}

func TestNewAllocator_RejectsBadReserve(t *testing.T) {
	if _, err := NewAllocator(Config{Total: 100, Reserved: 100, Classification: Fit}); err == nil {
		t.Error("expected error when reserve consumes the whole window")
	}
}

func TestParsePool(t *testing.T) {
	if _, err := ParsePool("notes"); err != nil {
		t.Error(err)
	}
	if _, err := ParsePool("bogus"); err == nil {
		t.Error("expected error")
	}
}
