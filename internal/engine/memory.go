package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/HendryAvila/papertrail/internal/archive"
	"github.com/HendryAvila/papertrail/internal/classify"
	"github.com/HendryAvila/papertrail/internal/trail"
)

// Memories outlive sessions. They live in the archive database and feed
// the classifier's prior knowledge; nothing in them counts against a budget.

// WriteMemory inserts or replaces a memory.
func (e *Engine) WriteMemory(p archive.MemoryParams) (*archive.Memory, error) {
	m, err := e.archive.WriteMemory(p)
	if err != nil {
		return nil, err
	}
	e.log.Debug("memory written", zap.String("kind", string(m.Kind)), zap.String("id", m.ID))
	return m, nil
}

// ReadMemories returns the memories of kind most relevant to query.
func (e *Engine) ReadMemories(kind archive.MemoryKind, query string, limit int) ([]archive.Memory, error) {
	return e.archive.ReadMemories(kind, query, limit)
}

// ListMemories returns memories newest first; an empty kind lists all.
func (e *Engine) ListMemories(kind archive.MemoryKind, limit int) ([]archive.Memory, error) {
	return e.archive.ListMemories(kind, limit)
}

// DeleteMemory removes one memory.
func (e *Engine) DeleteMemory(kind archive.MemoryKind, id string) error {
	return e.archive.DeleteMemory(kind, id)
}

// ClearMemories removes every memory of kind.
func (e *Engine) ClearMemories(kind archive.MemoryKind) (int, error) {
	n, err := e.archive.ClearMemories(kind)
	if err != nil {
		return 0, err
	}
	e.log.Warn("memories cleared", zap.String("kind", string(kind)), zap.Int("removed", n))
	return n, nil
}

// MemoryStats counts memories per kind.
func (e *Engine) MemoryStats() (*archive.MemoryStats, error) {
	return e.archive.MemoryStats()
}

// RememberSession distills a session's paper trail into memories: the
// head becomes semantic memory and key evidence becomes episodic memory.
// IDs derive from the session and item, so repeating it rewrites rather
// than duplicates.
func (e *Engine) RememberSession(id string) (int, error) {
	s, err := e.session(id)
	if err != nil {
		return 0, err
	}
	return e.rememberSession(s)
}

func (e *Engine) rememberSession(s *liveSession) (int, error) {
	s.mu.Lock()
	id := s.record.ID
	title := s.record.Signature.Title
	s.mu.Unlock()

	kinds := map[trail.Tier]archive.MemoryKind{
		trail.TierHead:        archive.MemorySemantic,
		trail.TierKeyEvidence: archive.MemoryEpisodic,
	}
	written := 0
	for _, tier := range []trail.Tier{trail.TierHead, trail.TierKeyEvidence} {
		for _, it := range s.trail.Items(tier) {
			_, err := e.archive.WriteMemory(archive.MemoryParams{
				Kind:    kinds[tier],
				ID:      fmt.Sprintf("%s::%s", id, it.ID),
				Content: it.Content,
				Metadata: map[string]string{
					"session_id":    id,
					"session_title": title,
					"item_id":       it.ID,
					"tier":          tier.String(),
					"source_type":   "trail",
				},
			})
			if err != nil {
				return written, fmt.Errorf("remembering %s: %w", it.ID, err)
			}
			written++
		}
	}
	e.log.Info("session remembered", zap.String("session", id), zap.Int("memories", written))
	return written, nil
}

// memoryKnowledge lists stored memories as prior knowledge, skipping those
// distilled from the session being classified.
func (e *Engine) memoryKnowledge(exclude string) classify.KnowledgeList {
	ms, err := e.archive.ListMemories("", 0)
	if err != nil {
		e.log.Warn("listing memories for classification", zap.Error(err))
		return nil
	}
	out := make(classify.KnowledgeList, 0, len(ms))
	for _, m := range ms {
		if exclude != "" && m.Metadata["session_id"] == exclude {
			continue
		}
		out = append(out, classify.Knowledge{ID: fmt.Sprintf("memory:%s/%s", m.Kind, m.ID), Text: m.Content})
	}
	return out
}
