package memory

import (
	"cmp"
	"errors"
	"math"
	"slices"
	"strings"
	"time"
)

// MaxPatternMatches caps the matches returned for one error output.
const MaxPatternMatches = 5

// DefaultMinConfidence is the match threshold when the caller gives none.
const DefaultMinConfidence = 0.5

// PatternSighting is one immutable entry of the error pattern log: an error
// signature seen once, with the fix that resolved it.
type PatternSighting struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Signature string    `json:"signature"`
	Type      string    `json:"type"`
	Solution  string    `json:"solution"`
	Tags      []string  `json:"tags,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks required fields and normalizes tags.
func (s *PatternSighting) Validate() error {
	s.Signature = strings.TrimSpace(s.Signature)
	if s.Signature == "" {
		return errors.New("signature is required")
	}
	if strings.TrimSpace(s.Type) == "" {
		return errors.New("type is required")
	}
	if strings.TrimSpace(s.Solution) == "" {
		return errors.New("solution is required")
	}
	s.Tags = NormalizeTags(s.Tags)
	return nil
}

// ErrorPattern is every sighting of one signature folded together.
type ErrorPattern struct {
	Signature string    `json:"signature"`
	Type      string    `json:"type"`
	Solution  string    `json:"solution"`
	Tags      []string  `json:"tags,omitempty"`
	TimesSeen int       `json:"times_seen"`
	LastTask  string    `json:"last_task,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FoldPatterns merges sightings by signature in log order. Type and solution
// come from the first sighting, tags are the union, and LastTask follows the
// latest sighting.
func FoldPatterns(log []PatternSighting) []ErrorPattern {
	index := map[string]int{}
	var out []ErrorPattern
	for i := range log {
		s := &log[i]
		j, ok := index[s.Signature]
		if !ok {
			index[s.Signature] = len(out)
			out = append(out, ErrorPattern{
				Signature: s.Signature,
				Type:      s.Type,
				Solution:  s.Solution,
				Tags:      s.Tags,
				TimesSeen: 1,
				LastTask:  s.TaskID,
				CreatedAt: s.Timestamp,
				UpdatedAt: s.Timestamp,
			})
			continue
		}
		p := &out[j]
		p.TimesSeen++
		p.Tags = NormalizeTags(append(slices.Clone(p.Tags), s.Tags...))
		p.LastTask = s.TaskID
		p.UpdatedAt = s.Timestamp
	}
	return out
}

// PatternMatch is a known pattern found in an error output.
type PatternMatch struct {
	ErrorPattern
	Confidence float64 `json:"confidence"`
}

// MatchPatterns finds patterns whose signature occurs in output, ignoring
// case. Longer signatures score higher and patterns seen more than three
// times get a small boost. It returns at most MaxPatternMatches matches at or
// above minConfidence, best first, plus the number of matches before the cap.
func MatchPatterns(patterns []ErrorPattern, output string, minConfidence float64) ([]PatternMatch, int) {
	haystack := strings.ToLower(output)
	var out []PatternMatch
	for i := range patterns {
		p := &patterns[i]
		sig := strings.ToLower(p.Signature)
		if sig == "" || !strings.Contains(haystack, sig) {
			continue
		}
		conf := min(1.0, float64(len(sig))/50+0.5)
		if p.TimesSeen > 3 {
			conf = min(1.0, conf+0.1)
		}
		conf = math.Round(conf*100) / 100
		if conf < minConfidence {
			continue
		}
		out = append(out, PatternMatch{ErrorPattern: *p, Confidence: conf})
	}
	slices.SortStableFunc(out, func(a, b PatternMatch) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(b.TimesSeen, a.TimesSeen)
	})
	total := len(out)
	if len(out) > MaxPatternMatches {
		out = out[:MaxPatternMatches]
	}
	return out, total
}
