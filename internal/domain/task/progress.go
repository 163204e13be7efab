package task

import (
	"fmt"
	"slices"
	"time"
)

// Step is one implementation step.
type Step struct {
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Completed   bool       `json:"completed"`
	Skipped     bool       `json:"skipped,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Done reports whether the step needs no further work.
func (s Step) Done() bool { return s.Completed || s.Skipped }

// Progress tracks the implementation plan. CompletedSteps and TotalSteps are
// derived from Steps and kept in sync by every mutator.
type Progress struct {
	CompletedSteps    int    `json:"completed_steps"`
	TotalSteps        int    `json:"total_steps"`
	Steps             []Step `json:"steps,omitempty"`
	MilestonesReached []int  `json:"milestones_reached,omitempty"`
}

// NewProgress builds a plan from step titles, numbered from 1.
func NewProgress(titles []string) Progress {
	p := Progress{Steps: make([]Step, len(titles))}
	for i, title := range titles {
		p.Steps[i] = Step{Number: i + 1, Title: title}
	}
	p.sync()
	return p
}

// IsSet reports whether a plan exists.
func (p *Progress) IsSet() bool { return len(p.Steps) > 0 }

// Percent returns completed steps as a whole percentage of the plan.
func (p *Progress) Percent() int {
	if p.TotalSteps == 0 {
		return 0
	}
	return p.CompletedSteps * 100 / p.TotalSteps
}

// AllDone reports whether every step is completed or skipped.
func (p *Progress) AllDone() bool {
	return p.IsSet() && p.CompletedSteps == p.TotalSteps
}

// NextStep returns the first unfinished step, or nil when all are done.
func (p *Progress) NextStep() *Step {
	for i := range p.Steps {
		if !p.Steps[i].Done() {
			return &p.Steps[i]
		}
	}
	return nil
}

// Step returns step n.
func (p *Progress) Step(n int) (*Step, error) {
	if n < 1 || n > len(p.Steps) {
		return nil, fmt.Errorf("step %d out of range 1..%d", n, len(p.Steps))
	}
	return &p.Steps[n-1], nil
}

// Complete marks step n done and returns the milestones from the given set
// crossed by this change, each reported once over the life of the plan.
func (p *Progress) Complete(n int, milestones []int, now time.Time) ([]int, error) {
	return p.finish(n, false, milestones, now)
}

// Skip marks step n skipped. Skipped steps count toward progress.
func (p *Progress) Skip(n int, milestones []int, now time.Time) ([]int, error) {
	return p.finish(n, true, milestones, now)
}

func (p *Progress) finish(n int, skipped bool, milestones []int, now time.Time) ([]int, error) {
	s, err := p.Step(n)
	if err != nil {
		return nil, err
	}
	if s.Done() {
		return nil, nil
	}
	before := p.Percent()
	s.Completed = !skipped
	s.Skipped = skipped
	s.CompletedAt = &now
	p.sync()
	return p.crossed(before, milestones), nil
}

// AddStep appends a step to the plan and returns its number.
func (p *Progress) AddStep(title string) int {
	n := len(p.Steps) + 1
	p.Steps = append(p.Steps, Step{Number: n, Title: title})
	p.sync()
	return n
}

func (p *Progress) crossed(before int, milestones []int) []int {
	now := p.Percent()
	var hit []int
	for _, m := range slices.Sorted(slices.Values(milestones)) {
		if before < m && m <= now && !slices.Contains(p.MilestonesReached, m) {
			p.MilestonesReached = append(p.MilestonesReached, m)
			hit = append(hit, m)
		}
	}
	return hit
}

func (p *Progress) sync() {
	p.TotalSteps = len(p.Steps)
	p.CompletedSteps = 0
	for _, s := range p.Steps {
		if s.Done() {
			p.CompletedSteps++
		}
	}
}

func (p Progress) clone() Progress {
	p.Steps = slices.Clone(p.Steps)
	p.MilestonesReached = slices.Clone(p.MilestonesReached)
	return p
}
