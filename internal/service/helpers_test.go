package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Strob0t/crewflow/internal/adapter/filestore"
	"github.com/Strob0t/crewflow/internal/adapter/jsonl"
	"github.com/Strob0t/crewflow/internal/domain/phase"
	"github.com/Strob0t/crewflow/internal/domain/settings"
	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/port/agentbackend"
	"github.com/Strob0t/crewflow/internal/port/verifier"
)

// --- scripted agent ---

type scriptedAgent struct {
	mu      sync.Mutex
	calls   []agentbackend.Bundle
	respond func(b agentbackend.Bundle) (*agentbackend.Output, error)
}

func (a *scriptedAgent) Name() string { return "scripted" }

func (a *scriptedAgent) Invoke(_ context.Context, b agentbackend.Bundle) (*agentbackend.Output, error) {
	a.mu.Lock()
	a.calls = append(a.calls, b)
	a.mu.Unlock()
	if a.respond == nil {
		return &agentbackend.Output{Output: string(b.Phase) + " done"}, nil
	}
	return a.respond(b)
}

func (a *scriptedAgent) callsFor(p phase.Phase) []agentbackend.Bundle {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []agentbackend.Bundle
	for _, b := range a.calls {
		if b.Phase == p {
			out = append(out, b)
		}
	}
	return out
}

func (a *scriptedAgent) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// planAgent answers every phase with a canned output and the developer with
// the given plan.
func planAgent(steps ...string) *scriptedAgent {
	return &scriptedAgent{respond: func(b agentbackend.Bundle) (*agentbackend.Output, error) {
		out := &agentbackend.Output{Output: string(b.Phase) + " output", Completion: agentbackend.CompletionDone}
		if b.Phase == phase.Developer {
			out.Steps = steps
		}
		return out, nil
	}}
}

// --- scripted verifier ---

type scriptedVerifier struct {
	mu      sync.Mutex
	calls   int
	seen    []settings.Verification
	respond func(call int) (*verifier.Result, error)
}

func (v *scriptedVerifier) Verify(_ context.Context, cfg settings.Verification) (*verifier.Result, error) {
	v.mu.Lock()
	v.calls++
	n := v.calls
	v.seen = append(v.seen, cfg)
	v.mu.Unlock()
	if v.respond == nil {
		return &verifier.Result{Passed: true}, nil
	}
	return v.respond(n)
}

func passing() *scriptedVerifier { return &scriptedVerifier{} }

func failing(signature string) *scriptedVerifier {
	return &scriptedVerifier{respond: func(int) (*verifier.Result, error) {
		return &verifier.Result{Signature: signature, Output: "FAIL: " + signature}, nil
	}}
}

// --- environment ---

type testEnv struct {
	svc    *WorkflowService
	tasks  *filestore.Store
	db     *jsonl.Store
	memory *MemoryService
	costs  *CostService
	agent  *scriptedAgent
	tc     task.Context
}

func newEnv(t *testing.T, agent *scriptedAgent, v verifier.Verifier, overrides ...string) *testEnv {
	t.Helper()
	root := t.TempDir()
	tasksDir := filepath.Join(root, ".tasks")
	tasks, err := filestore.New(tasksDir)
	if err != nil {
		t.Fatal(err)
	}
	db, err := jsonl.Open(filepath.Join(root, ".memory"))
	if err != nil {
		t.Fatal(err)
	}

	events := NewEventService(nil, nil)
	cfg := NewConfigService(nil, 0, nil)
	tc := task.Context{
		HomeDir:    filepath.Join(root, "home"),
		ProjectDir: filepath.Join(root, "project"),
		TasksDir:   tasksDir,
		Overrides:  overrides,
	}
	memSvc := NewMemoryService(db, events)
	memSvc.UseConfig(cfg, tc)
	costSvc := NewCostService(db, tasks, events, nil)
	deps := WorkflowDeps{
		Tasks:    tasks,
		TasksDir: tasksDir,
		Config:   cfg,
		Memory:   memSvc,
		Costs:    costSvc,
		Events:   events,
		Verifier: v,
	}
	if agent != nil {
		deps.Agents = NewAgentRunner(agent, nil, nil)
	}
	return &testEnv{
		svc:    NewWorkflowService(deps),
		tasks:  tasks,
		db:     db,
		memory: memSvc,
		costs:  costSvc,
		agent:  agent,
		tc:     tc,
	}
}

func (e *testEnv) init(t *testing.T, description string) *task.Task {
	t.Helper()
	tk, err := e.svc.Initialize(context.Background(), e.tc, InitRequest{Description: description})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return tk
}

func (e *testEnv) load(t *testing.T, id string) *task.Task {
	t.Helper()
	tk, err := e.tasks.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return tk
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

var errAgentDown = errors.New("agent process exited with status 1")
