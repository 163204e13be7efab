package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Strob0t/crewflow/internal/domain/cost"
	"github.com/Strob0t/crewflow/internal/domain/memory"
	"github.com/Strob0t/crewflow/internal/domain/phase"
	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/service"
)

// runCLI executes one command against project dir and returns its stdout.
func runCLI(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"-C", dir, "--config", filepath.Join(dir, "crewflow.yaml")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustJSON[T any](t *testing.T, dir string, args ...string) T {
	t.Helper()
	out, err := runCLI(t, dir, append([]string{"-o", "json"}, args...)...)
	if err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	var v T
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("%v: decode %q: %v", args, out, err)
	}
	return v
}

func newProject(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	return t.TempDir()
}

func TestManualWorkflow(t *testing.T) {
	dir := newProject(t)

	tk := mustJSON[task.Task](t, dir, "init", "-s", "checkpoints.milestones=[]", "add", "a", "retry", "flag")
	if tk.ID != "TASK_001" || tk.CurrentPhase != phase.Developer {
		t.Fatalf("init = %s at %s", tk.ID, tk.CurrentPhase)
	}
	if _, err := os.Stat(filepath.Join(dir, ".tasks", tk.ID)); err != nil {
		t.Fatalf("task directory: %v", err)
	}

	result := filepath.Join(dir, "plan.json")
	if err := os.WriteFile(result, []byte(`{"output":"# Plan","steps":["parse the flag","retry the sync"]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	got := mustJSON[task.Task](t, dir, "complete-phase", tk.ID, "developer", "--result", result)
	if got.CurrentPhase != phase.Implementer || got.Progress.TotalSteps != 2 {
		t.Fatalf("after developer: %s with %d steps", got.CurrentPhase, got.Progress.TotalSteps)
	}

	mustJSON[task.Task](t, dir, "complete-step", tk.ID, "1")
	if _, err := runCLI(t, dir, "complete-step", tk.ID, "zero"); err == nil {
		t.Fatal("non-numeric step accepted")
	}
	got = mustJSON[task.Task](t, dir, "complete-step", tk.ID, "2")
	if got.PendingCheckpoint == nil {
		t.Fatal("before_commit checkpoint not opened")
	}

	info := mustJSON[service.ResumeInfo](t, dir, "state", "--resume", tk.ID)
	if !strings.Contains(info.Summary, "before_commit") {
		t.Fatalf("resume summary = %q", info.Summary)
	}

	if _, err := runCLI(t, dir, "decide", tk.ID, "maybe"); err == nil {
		t.Fatal("invalid decision accepted")
	}
	got = mustJSON[task.Task](t, dir, "decide", tk.ID, "APPROVE")
	if got.CurrentPhase != phase.TechnicalWriter {
		t.Fatalf("after approve: %s", got.CurrentPhase)
	}

	list := mustJSON[[]task.Task](t, dir, "list")
	if len(list) != 1 || list[0].ID != tk.ID {
		t.Fatalf("list = %+v", list)
	}

	text, err := runCLI(t, dir, "-o", "text", "state", tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "developer > implementer > technical_writer") {
		t.Fatalf("text output = %q", text)
	}
}

func TestLedgerCommands(t *testing.T) {
	dir := newProject(t)

	mustJSON[[]memory.Discovery](t, dir, "discovery", "save", "TASK_001", "gotcha", "the", "sync", "command", "shells", "out", "-t", "Sync")
	mustJSON[[]memory.Discovery](t, dir, "discovery", "save", "TASK_002", "decision", "keep retries at three")
	if _, err := runCLI(t, dir, "discovery", "save", "TASK_001", "rumour", "x"); err == nil {
		t.Fatal("invalid category accepted")
	}

	items := mustJSON[[]memory.Discovery](t, dir, "discovery", "list", "TASK_001", "-t", "sync")
	if len(items) != 1 || items[0].Content != "the sync command shells out" {
		t.Fatalf("list = %+v", items)
	}
	found := mustJSON[[]memory.ScoredDiscovery](t, dir, "discovery", "search", "retries")
	if len(found) != 1 || found[0].TaskID != "TASK_002" {
		t.Fatalf("search = %+v", found)
	}
	flush := mustJSON[memory.Flush](t, dir, "discovery", "flush", "TASK_001")
	if flush.ByCategory[memory.CategoryGotcha] != 1 {
		t.Fatalf("flush = %+v", flush)
	}

	e := mustJSON[cost.Entry](t, dir, "cost", "record", "TASK_001", "developer", "sonnet", "--input", "1000000")
	if e.EstimatedCost != 3 {
		t.Fatalf("cost = %v", e.EstimatedCost)
	}
	sum := mustJSON[cost.Summary](t, dir, "cost", "summary", "TASK_001")
	if sum.Total.Runs != 1 || sum.ByModel["sonnet"].Tokens != 1_000_000 {
		t.Fatalf("summary = %+v", sum)
	}

	p := mustJSON[memory.ErrorPattern](t, dir, "error-pattern", "record", "undefined:", "ctx",
		"--type", "compile", "--solution", "import context", "--task", "TASK_001")
	if p.Signature != "undefined: ctx" || p.TimesSeen != 1 {
		t.Fatalf("pattern = %+v", p)
	}
	if _, err := runCLI(t, dir, "error-pattern", "record", "exit status 2"); err == nil {
		t.Fatal("pattern without type and solution accepted")
	}
	m := mustJSON[service.ErrorMatch](t, dir, "error-pattern", "match", "fetch.go:3:", "undefined:", "ctx")
	if m.Count != 1 || m.Matches[0].Solution != "import context" {
		t.Fatalf("match = %+v", m)
	}
}

func TestConcernAndLinkCommands(t *testing.T) {
	dir := newProject(t)
	a := mustJSON[task.Task](t, dir, "init", "add", "a", "retry", "flag")
	b := mustJSON[task.Task](t, dir, "init", "document", "the", "retry", "flag")

	c := mustJSON[task.Concern](t, dir, "concern", "add", a.ID, "reviewer", "no", "backoff", "cap", "--severity", "high")
	if c.ID != "C001" || c.Severity != task.SeverityHigh {
		t.Fatalf("concern = %+v", c)
	}
	if _, err := runCLI(t, dir, "concern", "address", a.ID, "C404", "developer"); err == nil {
		t.Fatal("unknown concern addressed")
	}
	mustJSON[task.Concern](t, dir, "concern", "address", a.ID, "c001", "developer")
	open := mustJSON[service.ConcernList](t, dir, "concern", "list", a.ID, "--open")
	if open.Total != 0 || open.UnaddressedCount != 0 {
		t.Fatalf("open concerns = %+v", open)
	}

	res := mustJSON[service.LinkResult](t, dir, "link", b.ID, a.ID, "--as", "builds_on")
	if len(res.Added) != 1 || res.Added[0] != a.ID {
		t.Fatalf("link = %+v", res)
	}
	if _, err := runCLI(t, dir, "link", b.ID, a.ID, "--as", "blocks"); err == nil {
		t.Fatal("inverse relationship accepted")
	}
	lt := mustJSON[service.LinkedTasks](t, dir, "links", a.ID)
	if got := lt.Links[task.RelBuiltUponBy]; len(got) != 1 || got[0] != b.ID {
		t.Fatalf("links of %s = %+v", a.ID, lt.Links)
	}
}

func TestConfigAndDetect(t *testing.T) {
	dir := newProject(t)

	out, err := runCLI(t, dir, "-o", "text", "-s", "max_iterations.per_step=7", "config")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "per_step: 7") || !strings.Contains(out, "# runtime") {
		t.Fatalf("config output = %q", out)
	}
	if _, err := runCLI(t, dir, "-s", "colour=blue", "config"); err == nil {
		t.Fatal("unknown override accepted")
	}

	out, err = runCLI(t, dir, "-o", "text", "detect", "fix", "typo", "in", "README")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "minimal:") {
		t.Fatalf("detect output = %q", out)
	}
}

func TestReadResult(t *testing.T) {
	out, err := readResult(strings.NewReader(`{"output":"done","completion":"blocked"}`), "-")
	if err != nil {
		t.Fatal(err)
	}
	if out.Output != "done" || out.Completion != "blocked" {
		t.Fatalf("result = %+v", out)
	}
	if _, err := readResult(strings.NewReader(`{"outptu":"typo"}`), "-"); err == nil {
		t.Fatal("unknown field accepted")
	}
	out, err = readResult(nil, "")
	if err != nil || out.Completion != "done" {
		t.Fatalf("default result = %+v, %v", out, err)
	}
}
