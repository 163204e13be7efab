package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/Strob0t/crewflow/internal/domain/cost"
	"github.com/Strob0t/crewflow/internal/domain/memory"
	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/service"
)

// jsonOutput reports whether results are printed as JSON: when asked for, or
// when stdout is not a terminal.
func (a *app) jsonOutput() bool {
	switch a.flags.output {
	case "json":
		return true
	case "text":
		return false
	}
	return !term.IsTerminal(int(os.Stdout.Fd())) //nolint:gosec // G115: fd fits in int
}

// print writes v as indented JSON, or through text when output is for a
// human and text is non-nil.
func (a *app) print(w io.Writer, v any, text func(w io.Writer) error) error {
	if text != nil && !a.jsonOutput() {
		return text(w)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printTask(w io.Writer, t *task.Task) error {
	return a.print(w, t, func(w io.Writer) error {
		fmt.Fprintf(w, "%s  %s\n", t.ID, t.Description)
		fmt.Fprintf(w, "  mode:    %s (%s)\n", t.Mode, joinPhases(t))
		fmt.Fprintf(w, "  phase:   %s  iteration %d  status %s\n", t.CurrentPhase, t.Iteration, t.Status)
		if t.Progress.IsSet() {
			fmt.Fprintf(w, "  steps:   %d/%d done\n", t.Progress.CompletedSteps, t.Progress.TotalSteps)
		}
		if p := t.PendingCheckpoint; p != nil {
			fmt.Fprintf(w, "  pending: %s (%s)\n", p.Name, p.Kind)
		}
		return nil
	})
}

func joinPhases(t *task.Task) string {
	names := make([]string, len(t.PhaseChain))
	for i, p := range t.PhaseChain {
		names[i] = string(p)
	}
	return strings.Join(names, " > ")
}

func (a *app) printTasks(w io.Writer, tasks []task.Task) error {
	return a.print(w, tasks, func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tMODE\tPHASE\tSTATUS\tDESCRIPTION")
		for i := range tasks {
			t := &tasks[i]
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Mode, t.CurrentPhase, t.Status, t.Description)
		}
		return tw.Flush()
	})
}

func (a *app) printResume(w io.Writer, info service.ResumeInfo) error {
	return a.print(w, info, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%s: %s\n", info.TaskID, info.Summary)
		return err
	})
}

func (a *app) printDiscoveries(w io.Writer, items []memory.Discovery) error {
	return a.print(w, items, func(w io.Writer) error {
		for i := range items {
			d := &items[i]
			fmt.Fprintf(w, "[%s] %s %s", d.TaskID, d.Category, d.Content)
			if len(d.Tags) > 0 {
				fmt.Fprintf(w, " #%s", strings.Join(d.Tags, " #"))
			}
			fmt.Fprintln(w)
		}
		return nil
	})
}

func (a *app) printCostSummary(w io.Writer, sum cost.Summary) error {
	return a.print(w, sum, func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "%s\t%d runs\t%d tokens\t$%.4f\n", sum.TaskID, sum.Total.Runs, sum.Total.Tokens, sum.Total.CostUSD)
		for _, group := range []struct {
			name string
			m    map[string]cost.Totals
		}{{"phase", sum.ByPhase}, {"agent", sum.ByAgent}, {"model", sum.ByModel}} {
			for k, v := range group.m {
				fmt.Fprintf(tw, "  %s %s\t%d runs\t%d tokens\t$%.4f\n", group.name, k, v.Runs, v.Tokens, v.CostUSD)
			}
		}
		return tw.Flush()
	})
}
