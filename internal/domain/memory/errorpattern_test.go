package memory

import (
	"strings"
	"testing"
	"time"
)

func TestFoldPatterns(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	log := []PatternSighting{
		{Signature: "undefined: ctx", Type: "compile", Solution: "import context", Tags: []string{"go"}, TaskID: "TASK_001", Timestamp: t0},
		{Signature: "connection refused", Type: "runtime", Solution: "start the db", TaskID: "TASK_001", Timestamp: t0.Add(time.Minute)},
		{Signature: "undefined: ctx", Type: "compile", Solution: "other fix", Tags: []string{"imports", "go"}, TaskID: "TASK_004", Timestamp: t0.Add(time.Hour)},
	}

	got := FoldPatterns(log)
	if len(got) != 2 || got[0].Signature != "undefined: ctx" {
		t.Fatalf("fold = %+v", got)
	}
	p := got[0]
	if p.TimesSeen != 2 || p.LastTask != "TASK_004" || p.Solution != "import context" {
		t.Fatalf("merged pattern = %+v", p)
	}
	if strings.Join(p.Tags, ",") != "go,imports" {
		t.Fatalf("tags = %v", p.Tags)
	}
	if !p.CreatedAt.Equal(t0) || !p.UpdatedAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("timestamps = %v / %v", p.CreatedAt, p.UpdatedAt)
	}
	if log[0].Tags[0] != "go" || len(log[0].Tags) != 1 {
		t.Fatalf("fold mutated the log: %v", log[0].Tags)
	}
}

func TestMatchPatterns(t *testing.T) {
	patterns := []ErrorPattern{
		{Signature: "connection refused", TimesSeen: 1},
		{Signature: "undefined: ctx", TimesSeen: 5},
		{Signature: "FAIL", TimesSeen: 1},
		{Signature: "panic: runtime error: index out of range", TimesSeen: 1},
	}
	output := "--- FAIL: TestSync\nsync.go:12: undefined: ctx\ndial tcp: Connection Refused"

	got, total := MatchPatterns(patterns, output, DefaultMinConfidence)
	if total != 3 || len(got) != 3 {
		t.Fatalf("matches = %+v (total %d)", got, total)
	}
	// 18/50+0.5 = 0.86; 14/50+0.5+0.1 = 0.88; 4/50+0.5 = 0.58
	want := []struct {
		sig  string
		conf float64
	}{{"undefined: ctx", 0.88}, {"connection refused", 0.86}, {"FAIL", 0.58}}
	for i, w := range want {
		if got[i].Signature != w.sig || got[i].Confidence != w.conf {
			t.Errorf("match %d = %s %.2f, want %s %.2f", i, got[i].Signature, got[i].Confidence, w.sig, w.conf)
		}
	}

	got, total = MatchPatterns(patterns, output, 0.6)
	if total != 2 || len(got) != 2 {
		t.Fatalf("threshold 0.6 kept %d", total)
	}
	if got, _ := MatchPatterns(nil, output, 0); len(got) != 0 {
		t.Fatalf("no patterns matched %v", got)
	}
}

func TestMatchPatternsCapsResults(t *testing.T) {
	var patterns []ErrorPattern
	for _, sig := range []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7"} {
		patterns = append(patterns, ErrorPattern{Signature: sig, TimesSeen: 1})
	}
	got, total := MatchPatterns(patterns, "a1 a2 a3 a4 a5 a6 a7", 0)
	if total != 7 || len(got) != MaxPatternMatches {
		t.Fatalf("got %d of %d", len(got), total)
	}
	if got[0].Signature != "a1" {
		t.Fatalf("equal scores reordered: %s first", got[0].Signature)
	}
}

func TestPatternSightingValidate(t *testing.T) {
	tests := []struct {
		name string
		s    PatternSighting
		ok   bool
	}{
		{"complete", PatternSighting{Signature: " exit 1 ", Type: "test", Solution: "fix it"}, true},
		{"no signature", PatternSighting{Type: "test", Solution: "fix it"}, false},
		{"no type", PatternSighting{Signature: "x", Solution: "fix it"}, false},
		{"no solution", PatternSighting{Signature: "x", Type: "test"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v", err)
			}
			if tt.ok && tt.s.Signature != "exit 1" {
				t.Fatalf("signature not trimmed: %q", tt.s.Signature)
			}
		})
	}
}
