// Package loop tracks retry state for implementation steps.
package loop

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

// Tracker holds the retry state of the step currently being attempted.
// It is persisted with the task so a restart resumes mid-step with the same
// counters.
type Tracker struct {
	Step           int    `json:"step"`
	Attempts       int    `json:"attempts"`
	LastSignature  string `json:"last_signature,omitempty"`
	Repeats        int    `json:"repeats"`
	SwitchStrategy bool   `json:"switch_strategy"`
	LastFailure    string `json:"last_failure,omitempty"` // tail of the last verifier output
}

// Begin points the tracker at step. Counters reset only when the step changes.
func (t *Tracker) Begin(step int) {
	if t.Step != step {
		*t = Tracker{Step: step}
	}
}

// TakeSwitch returns the switch-strategy flag and clears it. The attempt that
// takes the flag is expected to change approach.
func (t *Tracker) TakeSwitch() bool {
	s := t.SwitchStrategy
	t.SwitchStrategy = false
	return s
}

// RecordFailure counts a failed attempt with the given error signature and
// reports whether the switch-strategy flag was raised. The flag is raised
// after threshold consecutive failures with the same signature.
func (t *Tracker) RecordFailure(signature string, threshold int) bool {
	t.Attempts++
	if signature != "" && signature == t.LastSignature {
		t.Repeats++
	} else {
		t.LastSignature = signature
		t.Repeats = 1
	}
	if threshold > 0 && t.Repeats >= threshold {
		t.SwitchStrategy = true
		t.Repeats = 0
		return true
	}
	return false
}

// RecordSuccess clears all per-step state.
func (t *Tracker) RecordSuccess() {
	*t = Tracker{}
}

// Exhausted reports whether the step used its whole budget.
func (t *Tracker) Exhausted(maxAttempts int) bool {
	return t.Attempts >= maxAttempts
}

var (
	reHex    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reDigits = regexp.MustCompile(`\d+`)
	reSpace  = regexp.MustCompile(`\s+`)
)

// Signature reduces error output to a stable identifier: line numbers,
// addresses and durations are masked so the same failure hashes the same way
// across attempts.
func Signature(output string) string {
	norm := reHex.ReplaceAllString(output, "0x?")
	norm = reDigits.ReplaceAllString(norm, "#")
	norm = reSpace.ReplaceAllString(strings.TrimSpace(norm), " ")
	if norm == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(norm))
	return fmt.Sprintf("%016x", h.Sum64())
}
