// Package cost defines domain types for token usage and cost aggregation.
package cost

import (
	"errors"
	"math"
	"strings"
	"time"
)

// Entry is one recorded agent run.
type Entry struct {
	ID               string    `json:"id"`
	Seq              int64     `json:"seq"`
	TaskID           string    `json:"task_id"`
	Phase            string    `json:"phase,omitempty"`
	Agent            string    `json:"agent"`
	Model            string    `json:"model"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	CompactionTokens int64     `json:"compaction_tokens,omitempty"`
	Tokens           int64     `json:"tokens"`
	EstimatedCost    float64   `json:"estimated_cost_usd"`
	DurationMS       int64     `json:"duration_ms,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Validate checks required fields and fills the derived token total and cost
// estimate when they were not supplied.
func (e *Entry) Validate() error {
	if e.TaskID == "" {
		return errors.New("task_id is required")
	}
	if e.Agent == "" {
		return errors.New("agent is required")
	}
	if e.InputTokens < 0 || e.OutputTokens < 0 || e.CompactionTokens < 0 {
		return errors.New("token counts must not be negative")
	}
	if e.Phase == "" {
		e.Phase = e.Agent
	}
	if e.Tokens == 0 {
		e.Tokens = e.InputTokens + e.OutputTokens + e.CompactionTokens
	}
	if e.EstimatedCost == 0 {
		e.EstimatedCost = Estimate(e.Model, e.InputTokens, e.OutputTokens, e.CompactionTokens)
	}
	return nil
}

// Totals aggregates a set of entries.
type Totals struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Tokens       int64   `json:"tokens"`
	CostUSD      float64 `json:"cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	Runs         int     `json:"runs"`
}

func (t *Totals) add(e *Entry) {
	t.InputTokens += e.InputTokens
	t.OutputTokens += e.OutputTokens
	t.Tokens += e.Tokens
	t.CostUSD += e.EstimatedCost
	t.DurationMS += e.DurationMS
	t.Runs++
}

// Summary breaks a task's spend down by phase, agent and model.
type Summary struct {
	TaskID  string            `json:"task_id"`
	Total   Totals            `json:"total"`
	ByPhase map[string]Totals `json:"by_phase"`
	ByAgent map[string]Totals `json:"by_agent"`
	ByModel map[string]Totals `json:"by_model"`
}

// Summarize aggregates entries. Costs are rounded to 4 decimal places.
func Summarize(taskID string, entries []Entry) Summary {
	s := Summary{
		TaskID:  taskID,
		ByPhase: make(map[string]Totals),
		ByAgent: make(map[string]Totals),
		ByModel: make(map[string]Totals),
	}
	for i := range entries {
		e := &entries[i]
		s.Total.add(e)
		bump(s.ByPhase, e.Phase, e)
		bump(s.ByAgent, e.Agent, e)
		bump(s.ByModel, e.Model, e)
	}
	s.Total.CostUSD = round4(s.Total.CostUSD)
	for _, m := range []map[string]Totals{s.ByPhase, s.ByAgent, s.ByModel} {
		for k, v := range m {
			v.CostUSD = round4(v.CostUSD)
			m[k] = v
		}
	}
	return s
}

func bump(m map[string]Totals, key string, e *Entry) {
	t := m[key]
	t.add(e)
	m[key] = t
}

// Price is USD per million tokens.
type Price struct {
	Input  float64
	Output float64
}

const longContextThreshold = 200_000

var (
	pricing = map[string]Price{
		"opus":   {Input: 5, Output: 25},
		"sonnet": {Input: 3, Output: 15},
		"haiku":  {Input: 0.8, Output: 4},
	}
	opusLongContext = Price{Input: 10, Output: 37.5}
)

// PriceFor resolves a model name (e.g. "opus" or "claude-sonnet-4-5") to its
// price. ok is false for unknown models.
func PriceFor(model string, inputTokens int64) (Price, bool) {
	m := strings.ToLower(model)
	for family, p := range pricing {
		if !strings.Contains(m, family) {
			continue
		}
		if family == "opus" && inputTokens > longContextThreshold {
			return opusLongContext, true
		}
		return p, true
	}
	return Price{}, false
}

// Estimate computes the USD cost of a run. Compaction tokens are billed at the
// haiku output rate. Unknown models cost nothing.
func Estimate(model string, inputTokens, outputTokens, compactionTokens int64) float64 {
	var total float64
	if p, ok := PriceFor(model, inputTokens); ok {
		total = float64(inputTokens)/1e6*p.Input + float64(outputTokens)/1e6*p.Output
	}
	if compactionTokens > 0 {
		total += float64(compactionTokens) / 1e6 * pricing["haiku"].Output
	}
	return round4(total)
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
