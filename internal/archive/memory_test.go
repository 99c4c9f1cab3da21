package archive_test

import (
	"errors"
	"testing"

	"github.com/HendryAvila/papertrail/internal/archive"
)

func mustWriteMemory(t *testing.T, s *archive.Store, kind archive.MemoryKind, id, content string) *archive.Memory {
	t.Helper()
	m, err := s.WriteMemory(archive.MemoryParams{Kind: kind, ID: id, Content: content})
	if err != nil {
		t.Fatalf("WriteMemory(%s): %v", id, err)
	}
	return m
}

func TestParseMemoryKind(t *testing.T) {
	for _, in := range []string{"semantic", "Procedural", " episodic "} {
		if _, err := archive.ParseMemoryKind(in); err != nil {
			t.Errorf("ParseMemoryKind(%q): %v", in, err)
		}
	}
	if _, err := archive.ParseMemoryKind("dream"); !errors.Is(err, archive.ErrInvalidMemoryKind) {
		t.Errorf("ParseMemoryKind(dream) = %v, want ErrInvalidMemoryKind", err)
	}
}

func TestWriteMemory_UpsertKeepsCreationAndAccess(t *testing.T) {
	s := newTestStore(t)
	first := mustWriteMemory(t, s, archive.MemorySemantic, "kafka-lag", "consumer lag spikes when partitions rebalance")
	if first.AccessCount != 0 || first.CreatedAt == "" {
		t.Fatalf("fresh memory = %+v", first)
	}

	if _, err := s.ReadMemories(archive.MemorySemantic, "partitions rebalance", 5); err != nil {
		t.Fatalf("ReadMemories: %v", err)
	}
	second, err := s.WriteMemory(archive.MemoryParams{
		Kind:     archive.MemorySemantic,
		ID:       "kafka-lag",
		Content:  "consumer lag spikes during partition rebalances; static membership fixes it",
		Metadata: map[string]string{"session_id": "s1"},
	})
	if err != nil {
		t.Fatalf("WriteMemory (rewrite): %v", err)
	}
	if second.CreatedAt != first.CreatedAt {
		t.Errorf("created_at changed: %q -> %q", first.CreatedAt, second.CreatedAt)
	}
	if second.AccessCount != 1 {
		t.Errorf("access_count = %d, want 1", second.AccessCount)
	}
	if second.Metadata["session_id"] != "s1" {
		t.Errorf("metadata = %v", second.Metadata)
	}

	st, err := s.MemoryStats()
	if err != nil {
		t.Fatalf("MemoryStats: %v", err)
	}
	if st.Semantic != 1 || st.Total != 1 {
		t.Errorf("stats = %+v, want one semantic memory", st)
	}
}

func TestWriteMemory_Validates(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.WriteMemory(archive.MemoryParams{Kind: "dream", Content: "x"}); !errors.Is(err, archive.ErrInvalidMemoryKind) {
		t.Errorf("bad kind: err = %v", err)
	}
	if _, err := s.WriteMemory(archive.MemoryParams{Kind: archive.MemoryEpisodic, Content: "  "}); err == nil {
		t.Error("expected error for empty content")
	}
	m := mustWriteMemory(t, s, archive.MemoryEpisodic, "", "shipped the retry queue")
	if m.ID == "" {
		t.Error("expected a generated id")
	}
}

func TestReadMemories_RanksByRelevanceAndCountsAccess(t *testing.T) {
	s := newTestStore(t)
	mustWriteMemory(t, s, archive.MemoryProcedural, "p1", "use static membership to stop kafka consumer rebalances")
	mustWriteMemory(t, s, archive.MemoryProcedural, "p2", "pin the postgres connection pool size to cpu count")
	mustWriteMemory(t, s, archive.MemoryProcedural, "p3", "kafka consumer lag alerts need a rebalance grace period")
	mustWriteMemory(t, s, archive.MemorySemantic, "other-kind", "kafka consumer rebalances")

	got, err := s.ReadMemories(archive.MemoryProcedural, "kafka consumer rebalances", 2)
	if err != nil {
		t.Fatalf("ReadMemories: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d memories, want 2", len(got))
	}
	if got[0].ID != "p1" {
		t.Errorf("top memory = %s, want p1", got[0].ID)
	}
	if got[0].Relevance < got[1].Relevance {
		t.Errorf("not sorted: %v then %v", got[0].Relevance, got[1].Relevance)
	}
	for _, m := range got {
		if m.Kind != archive.MemoryProcedural {
			t.Errorf("memory %s has kind %s", m.ID, m.Kind)
		}
		if m.AccessCount != 1 {
			t.Errorf("memory %s access_count = %d, want 1", m.ID, m.AccessCount)
		}
	}

	none, err := s.ReadMemories(archive.MemoryProcedural, "the and of", 5)
	if err != nil {
		t.Fatalf("ReadMemories(stop words): %v", err)
	}
	if len(none) != 0 {
		t.Errorf("query without terms returned %d memories", len(none))
	}
}

func TestListDeleteClearMemories(t *testing.T) {
	s := newTestStore(t)
	mustWriteMemory(t, s, archive.MemorySemantic, "a", "first fact")
	mustWriteMemory(t, s, archive.MemorySemantic, "b", "second fact")
	mustWriteMemory(t, s, archive.MemoryEpisodic, "c", "an episode")

	all, err := s.ListMemories("", 0)
	if err != nil {
		t.Fatalf("ListMemories: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Fatalf("ListMemories = %+v, want 3 newest first", all)
	}
	sem, err := s.ListMemories(archive.MemorySemantic, 1)
	if err != nil {
		t.Fatalf("ListMemories(semantic): %v", err)
	}
	if len(sem) != 1 || sem[0].ID != "b" {
		t.Errorf("ListMemories(semantic, 1) = %+v", sem)
	}

	if err := s.DeleteMemory(archive.MemorySemantic, "a"); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	if err := s.DeleteMemory(archive.MemorySemantic, "a"); !errors.Is(err, archive.ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}

	n, err := s.ClearMemories(archive.MemorySemantic)
	if err != nil {
		t.Fatalf("ClearMemories: %v", err)
	}
	if n != 1 {
		t.Errorf("cleared %d, want 1", n)
	}
	st, err := s.MemoryStats()
	if err != nil {
		t.Fatalf("MemoryStats: %v", err)
	}
	if st.Semantic != 0 || st.Episodic != 1 || st.Total != 1 {
		t.Errorf("stats = %+v", st)
	}
}
