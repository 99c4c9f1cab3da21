// Package classify decides how a new session relates to prior knowledge.
package classify

import (
	"strings"

	"github.com/HendryAvila/papertrail/internal/budget"
	"github.com/HendryAvila/papertrail/internal/embedding"
)

// Similarity thresholds, inclusive.
const (
	FitThreshold      = 0.8
	AdjacentThreshold = 0.4
)

// Signature describes a session at classification time.
type Signature struct {
	Title    string   `json:"title,omitempty"`
	Summary  string   `json:"summary,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	// Quick is the user's explicit "this is a quick task" override.
	Quick bool `json:"quick,omitempty"`
	// HasPriorHistory is true when the session already has a paper trail.
	HasPriorHistory bool `json:"has_prior_history,omitempty"`
}

// Text is the signature as a single string for embedding.
func (s Signature) Text() string {
	parts := make([]string, 0, 2+len(s.Keywords))
	parts = append(parts, s.Title, s.Summary)
	parts = append(parts, s.Keywords...)
	return strings.TrimSpace(strings.Join(parts, " "))
}

// Knowledge is one entry of prior accumulated knowledge.
type Knowledge struct {
	ID   string
	Text string
}

// KnowledgeSource lists prior knowledge to compare against.
type KnowledgeSource interface {
	Knowledge() []Knowledge
}

// KnowledgeList is a static KnowledgeSource.
type KnowledgeList []Knowledge

// Knowledge implements KnowledgeSource.
func (l KnowledgeList) Knowledge() []Knowledge { return l }

// Result is the classification outcome.
type Result struct {
	Classification budget.Classification `json:"classification"`
	Label          string                `json:"label"`
	Score          float64               `json:"score"`
	MatchedID      string                `json:"matched_id,omitempty"`
	Reason         string                `json:"reason"`
}

// Classify applies, in order: quick override, missing topical signal,
// similarity >= 0.8 (Fit), similarity >= 0.4 or prior history (Adjacent),
// otherwise NetNew.
func Classify(sig Signature, src KnowledgeSource) Result {
	if sig.Quick {
		return result(budget.Quick, 0, "", "user marked the session as quick")
	}
	text := sig.Text()
	q := embedding.Embed(text)
	if text == "" || q.IsZero() {
		return result(budget.Quick, 0, "", "no topical signal")
	}

	var best float64
	var bestID string
	if src != nil {
		for _, k := range src.Knowledge() {
			score := embedding.Cosine(q, embedding.Embed(k.Text))
			if score > best {
				best, bestID = score, k.ID
			}
		}
	}

	switch {
	case best >= FitThreshold:
		return result(budget.Fit, best, bestID, "strong match with prior knowledge")
	case best >= AdjacentThreshold:
		return result(budget.Adjacent, best, bestID, "partial match with prior knowledge")
	case sig.HasPriorHistory:
		return result(budget.Adjacent, best, bestID, "session has an existing paper trail")
	}
	return result(budget.NetNew, best, bestID, "no meaningful match with prior knowledge")
}

func result(c budget.Classification, score float64, id, reason string) Result {
	return Result{Classification: c, Label: c.Label(), Score: score, MatchedID: id, Reason: reason}
}
