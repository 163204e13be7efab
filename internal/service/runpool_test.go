package service

import (
	"context"
	"errors"
	"testing"

	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/checkpoint"
	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/port/agentbackend"
)

func TestRunPoolRunsInBackground(t *testing.T) {
	env := newEnv(t, planAgent("one"), passing())
	tk := env.init(t, turboTask)

	pool := NewRunPool(context.Background(), env.svc, 2)
	if err := pool.Start(tk.ID, false); err != nil {
		t.Fatal(err)
	}
	pool.Wait()

	got := env.load(t, tk.ID)
	if got.Status != task.StatusAwaitingCheckpoint || got.PendingCheckpoint == nil {
		t.Fatalf("status %s pending %+v", got.Status, got.PendingCheckpoint)
	}
	if pool.Running(tk.ID) {
		t.Fatal("finished run still marked active")
	}
}

func TestRunPoolRejectsDuplicatesAndOverflow(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 16)
	agent := &scriptedAgent{respond: func(b agentbackend.Bundle) (*agentbackend.Output, error) {
		started <- struct{}{}
		<-release
		return &agentbackend.Output{Output: "done", Steps: []string{"one"}}, nil
	}}
	env := newEnv(t, agent, passing())
	a := env.init(t, turboTask)
	b, err := env.svc.Initialize(context.Background(), env.tc, InitRequest{Description: turboTask})
	if err != nil {
		t.Fatal(err)
	}

	pool := NewRunPool(context.Background(), env.svc, 1)
	if err := pool.Start(a.ID, false); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := pool.Start(a.ID, true); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate start: %v", err)
	}
	if err := pool.Start(b.ID, false); !errors.Is(err, ErrPoolFull) {
		t.Fatalf("overflow start: %v", err)
	}
	close(release)
	pool.Wait()

	if got := env.load(t, a.ID); got.PendingCheckpoint == nil || got.PendingCheckpoint.Kind != checkpoint.KindBeforeCommit {
		t.Fatalf("pending = %+v", got.PendingCheckpoint)
	}
}

func TestRunPoolWithoutAgent(t *testing.T) {
	env := newEnv(t, nil, nil)
	if err := NewRunPool(context.Background(), env.svc, 1).Start("TASK_001", false); !errors.Is(err, ErrNoAgent) {
		t.Fatalf("expected ErrNoAgent, got %v", err)
	}
}
