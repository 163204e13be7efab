package memory

import (
	"cmp"
	"slices"
	"strings"
	"unicode"
)

// SearchRequest is a keyword search across one or more tasks.
type SearchRequest struct {
	Query      string   `json:"query"`
	TaskIDs    []string `json:"task_ids,omitempty"` // empty = all tasks
	Category   Category `json:"category,omitempty"`
	MaxResults int      `json:"max_results,omitempty"`
}

// ScoredDiscovery wraps a Discovery with its keyword relevance.
type ScoredDiscovery struct {
	Discovery
	Relevance float64 `json:"relevance"`
}

// Rank scores entries against query by the share of query words found in each
// entry's content or tags, drops non-matching entries, and orders the rest by
// relevance, ties kept in insertion order. maxResults <= 0 means no cap.
func Rank(entries []Discovery, req SearchRequest) []ScoredDiscovery {
	words := queryWords(req.Query)
	var out []ScoredDiscovery
	for i := range entries {
		e := &entries[i]
		if req.Category != "" && e.Category != req.Category {
			continue
		}
		if len(req.TaskIDs) > 0 && !slices.Contains(req.TaskIDs, e.TaskID) {
			continue
		}
		score := relevance(e, words)
		if score == 0 {
			continue
		}
		out = append(out, ScoredDiscovery{Discovery: *e, Relevance: score})
	}
	slices.SortStableFunc(out, func(a, b ScoredDiscovery) int {
		return cmp.Compare(b.Relevance, a.Relevance)
	})
	if req.MaxResults > 0 && len(out) > req.MaxResults {
		out = out[:req.MaxResults]
	}
	return out
}

func relevance(e *Discovery, words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	haystack := strings.ToLower(e.Content + " " + strings.Join(e.Tags, " "))
	matched := 0
	for _, w := range words {
		if strings.Contains(haystack, w) {
			matched++
		}
	}
	return float64(matched) / float64(len(words))
}

func queryWords(q string) []string {
	fields := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
	})
	var words []string
	for _, f := range fields {
		if len(f) > 1 && !slices.Contains(words, f) {
			words = append(words, f)
		}
	}
	return words
}
