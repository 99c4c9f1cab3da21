package compression

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/HendryAvila/papertrail/internal/trail"
)

// Summarizer compacts items into text of at most maxTokens tokens.
type Summarizer interface {
	Summarize(items []trail.Item, maxTokens int) string
}

// decisionLine matches lines that must survive compaction.
var decisionLine = regexp.MustCompile(`(?i)(\[key\]|\bdecision\b|\bdecided\b|\bconclusion\b|\bmust\b|\bresult:|\bbecause\b)`)

var sentenceEnd = regexp.MustCompile(`[.!?](\s|$)`)

// Extractive keeps decision-critical lines verbatim, then the first
// sentence of every item, in that order, until the token budget is spent.
type Extractive struct {
	Counter trail.Counter
}

// Summarize implements Summarizer.
func (e Extractive) Summarize(items []trail.Item, maxTokens int) string {
	header := fmt.Sprintf("Summary of %d entries:", len(items))
	var key, lead []string
	seen := make(map[string]bool)

	for _, it := range items {
		for _, line := range strings.Split(it.Content, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || seen[line] {
				continue
			}
			if it.Key || decisionLine.MatchString(line) {
				key = append(key, line)
				seen[line] = true
			}
		}
		if first := firstSentence(it.Content); first != "" && !seen[first] && !coveredBy(key, first) {
			lead = append(lead, first)
			seen[first] = true
		}
	}

	var b strings.Builder
	b.WriteString(header)
	used := e.Counter.Count(header)
	for _, line := range append(key, lead...) {
		entry := "\n- " + line
		n := e.Counter.Count(entry)
		if maxTokens > 0 && used+n > maxTokens {
			continue
		}
		b.WriteString(entry)
		used += n
	}
	return b.String()
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if loc := sentenceEnd.FindStringIndex(text); loc != nil {
		text = text[:loc[0]+1]
	}
	return strings.TrimSpace(text)
}

func coveredBy(lines []string, sentence string) bool {
	for _, l := range lines {
		if strings.Contains(l, sentence) {
			return true
		}
	}
	return false
}
