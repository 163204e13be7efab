// Package memory provides the domain model for discoveries: durable,
// categorized learnings recorded during a task and reused across tasks.
package memory

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// Category classifies a discovery.
type Category string

const (
	CategoryDecision   Category = "decision"
	CategoryPattern    Category = "pattern"
	CategoryGotcha     Category = "gotcha"
	CategoryBlocker    Category = "blocker"
	CategoryPreference Category = "preference"
)

// ValidCategories lists all valid discovery categories.
var ValidCategories = []Category{CategoryDecision, CategoryPattern, CategoryGotcha, CategoryBlocker, CategoryPreference}

// Discovery is one immutable entry of the discovery log.
type Discovery struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	TaskID    string    `json:"task_id"`
	Category  Category  `json:"category"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks required fields and normalizes tags into a sorted set.
func (d *Discovery) Validate() error {
	if d.TaskID == "" {
		return errors.New("task_id is required")
	}
	if strings.TrimSpace(d.Content) == "" {
		return errors.New("content is required")
	}
	if !slices.Contains(ValidCategories, d.Category) {
		return errors.New("invalid category: must be decision, pattern, gotcha, blocker, or preference")
	}
	d.Tags = NormalizeTags(d.Tags)
	return nil
}

// HasTags reports whether d carries every tag in want.
func (d *Discovery) HasTags(want []string) bool {
	for _, t := range NormalizeTags(want) {
		if !slices.Contains(d.Tags, t) {
			return false
		}
	}
	return true
}

// NormalizeTags lower-cases, trims, de-duplicates and sorts tags.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Filter selects discoveries. Zero fields match everything.
type Filter struct {
	TaskID   string   `json:"task_id,omitempty"`
	Category Category `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"` // all must be present
	Text     string   `json:"text,omitempty"` // case-insensitive substring of content
}

// Match reports whether d satisfies f.
func (f Filter) Match(d *Discovery) bool {
	if f.TaskID != "" && d.TaskID != f.TaskID {
		return false
	}
	if f.Category != "" && d.Category != f.Category {
		return false
	}
	if len(f.Tags) > 0 && !d.HasTags(f.Tags) {
		return false
	}
	if f.Text != "" && !strings.Contains(strings.ToLower(d.Content), strings.ToLower(f.Text)) {
		return false
	}
	return true
}

// Flush is a task's (or the global) discovery log in insertion order.
type Flush struct {
	TaskID     string           `json:"task_id,omitempty"`
	Entries    []Discovery      `json:"entries"`
	ByCategory map[Category]int `json:"by_category"`
}

// NewFlush groups entries, which must already be in insertion order.
func NewFlush(taskID string, entries []Discovery) Flush {
	f := Flush{TaskID: taskID, Entries: entries, ByCategory: make(map[Category]int)}
	if f.Entries == nil {
		f.Entries = []Discovery{}
	}
	for _, e := range entries {
		f.ByCategory[e.Category]++
	}
	return f
}
