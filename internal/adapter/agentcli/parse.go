package agentcli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/port/agentbackend"
)

// block returns the body of the last closed <tag>...</tag> in text. The
// opening tag is the nearest one before the closing tag, so earlier mentions
// of the tag in prose or echoed prompts are ignored.
func block(text, tag string) (string, bool) {
	end := strings.LastIndex(text, "</"+tag+">")
	if end < 0 {
		return "", false
	}
	open := "<" + tag + ">"
	start := strings.LastIndex(text[:end], open)
	if start < 0 {
		return "", false
	}
	return strings.TrimSpace(text[start+len(open) : end]), true
}

// Parse extracts the structured fields from raw agent output. Absent blocks
// leave their fields empty; a present but malformed block is an error.
func Parse(text string) (*agentbackend.Output, error) {
	out := &agentbackend.Output{Output: text}

	if body, ok := block(text, "concerns"); ok {
		cs, err := parseConcerns(body, false)
		if err != nil {
			return nil, fmt.Errorf("<concerns>: %w", err)
		}
		out.Concerns = append(out.Concerns, cs...)
	}
	if body, ok := block(text, "review_issues"); ok {
		cs, err := parseConcerns(body, true)
		if err != nil {
			return nil, fmt.Errorf("<review_issues>: %w", err)
		}
		out.Concerns = append(out.Concerns, cs...)
	}
	if body, ok := block(text, "recommendation"); ok {
		switch r := agentbackend.Recommendation(strings.ToLower(strings.TrimSpace(body))); r {
		case agentbackend.RecommendApprove, agentbackend.RecommendRevise:
			out.Recommendation = r
		default:
			return nil, fmt.Errorf("<recommendation>: unknown value %q", body)
		}
	}
	if body, ok := block(text, "completion"); ok {
		switch c := agentbackend.Completion(strings.ToLower(strings.TrimSpace(body))); c {
		case agentbackend.CompletionDone, agentbackend.CompletionBlocked, agentbackend.CompletionNeedsReview:
			out.Completion = c
		default:
			return nil, fmt.Errorf("<completion>: unknown value %q", body)
		}
	}
	if body, ok := block(text, "steps"); ok {
		steps, err := parseSteps(body)
		if err != nil {
			return nil, fmt.Errorf("<steps>: %w", err)
		}
		out.Steps = steps
	}
	for tag, dst := range map[string]*[]string{"files_changed": &out.FilesChanged, "deviations": &out.Deviations} {
		if body, ok := block(text, tag); ok {
			if err := json.Unmarshal([]byte(body), dst); err != nil {
				return nil, fmt.Errorf("<%s>: %w", tag, err)
			}
		}
	}
	if body, ok := block(text, "discoveries"); ok {
		if err := json.Unmarshal([]byte(body), &out.Discoveries); err != nil {
			return nil, fmt.Errorf("<discoveries>: %w", err)
		}
	}
	if body, ok := block(text, "usage"); ok {
		var u agentbackend.Usage
		if err := json.Unmarshal([]byte(body), &u); err != nil {
			return nil, fmt.Errorf("<usage>: %w", err)
		}
		out.Usage = &u
	}
	return out, nil
}

// parseConcerns accepts an array of objects or plain strings. Review issues
// are blocking regardless of severity.
func parseConcerns(body string, blocking bool) ([]agentbackend.ConcernReport, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, err
	}
	out := make([]agentbackend.ConcernReport, 0, len(raw))
	for _, r := range raw {
		var s string
		if json.Unmarshal(r, &s) == nil {
			out = append(out, agentbackend.ConcernReport{Severity: task.SeverityMedium, Description: s, Blocking: blocking})
			continue
		}
		var c struct {
			Severity    string `json:"severity"`
			Description string `json:"description"`
			Blocking    bool   `json:"blocking"`
		}
		if err := json.Unmarshal(r, &c); err != nil {
			return nil, err
		}
		sev := task.Severity(strings.ToLower(strings.TrimSpace(c.Severity)))
		if !sev.Valid() {
			sev = task.SeverityMedium
		}
		out = append(out, agentbackend.ConcernReport{
			Severity:    sev,
			Description: c.Description,
			Blocking:    c.Blocking || blocking || sev == task.SeverityCritical,
		})
	}
	return out, nil
}

// parseSteps accepts an array of titles or of {"title"} / {"description"}
// objects.
func parseSteps(body string) ([]string, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if json.Unmarshal(r, &s) == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(r, &obj); err != nil {
			return nil, err
		}
		if obj.Title == "" {
			obj.Title = obj.Description
		}
		out = append(out, obj.Title)
	}
	return out, nil
}
