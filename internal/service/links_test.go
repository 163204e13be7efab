package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/memory"
	"github.com/Strob0t/crewflow/internal/domain/task"
)

func TestLinkTasksIsBidirectional(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, nil, nil)
	a := env.init(t, turboTask)
	b := env.init(t, turboTask)
	c := env.init(t, turboTask)

	res, err := env.svc.LinkTasks(ctx, a.ID, []string{b.ID, c.ID, "TASK_404", a.ID}, task.RelBuildsOn)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(res.Added, []string{b.ID, c.ID}) || !slices.Equal(res.Invalid, []string{"TASK_404", a.ID}) {
		t.Fatalf("result = %+v", res)
	}
	if got := env.load(t, b.ID).Links[task.RelBuiltUponBy]; !slices.Equal(got, []string{a.ID}) {
		t.Fatalf("reverse link on %s = %v", b.ID, got)
	}

	// Linking again adds nothing on either side.
	res, err = env.svc.LinkTasks(ctx, a.ID, []string{b.ID}, task.RelBuildsOn)
	if err != nil || len(res.Added) != 0 {
		t.Fatalf("relink = %+v, %v", res, err)
	}
	if got := env.load(t, b.ID).Links[task.RelBuiltUponBy]; len(got) != 1 {
		t.Fatalf("duplicate reverse link: %v", got)
	}

	if _, err := env.svc.LinkTasks(ctx, c.ID, []string{b.ID}, ""); err != nil {
		t.Fatal(err)
	}
	if got := env.load(t, b.ID).Links[task.RelRelated]; !slices.Equal(got, []string{c.ID}) {
		t.Fatalf("default relationship = %v", got)
	}
}

func TestLinkTasksRejects(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, nil, nil)
	a := env.init(t, turboTask)
	b := env.init(t, turboTask)

	if _, err := env.svc.LinkTasks(ctx, a.ID, []string{b.ID}, task.RelBlocks); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("inverse relationship accepted: %v", err)
	}
	if _, err := env.svc.LinkTasks(ctx, a.ID, []string{"TASK_404", "../etc"}, task.RelRelated); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("no valid targets: %v", err)
	}
	if _, err := env.svc.LinkTasks(ctx, "TASK_404", []string{b.ID}, task.RelRelated); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown source task: %v", err)
	}
	if got := env.load(t, b.ID); got.Links != nil {
		t.Fatalf("rejected link wrote %v", got.Links)
	}
}

func TestLinkedTasksWithMemories(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, nil, nil)
	a := env.init(t, turboTask)
	b := env.init(t, turboTask)
	for i := range 12 {
		d := memory.Discovery{TaskID: b.ID, Category: memory.CategoryGotcha, Content: fmt.Sprintf("note %d", i)}
		if err := env.memory.Save(ctx, &d); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.svc.LinkTasks(ctx, a.ID, []string{b.ID}, task.RelSupersede); err != nil {
		t.Fatal(err)
	}

	plain, err := env.svc.LinkedTasks(ctx, a.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if plain.Memories != nil || !slices.Equal(plain.Links[task.RelSupersede], []string{b.ID}) {
		t.Fatalf("links = %+v", plain)
	}

	full, err := env.svc.LinkedTasks(ctx, a.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	notes := full.Memories[b.ID]
	if len(notes) != 10 || notes[0].Content != "note 2" || notes[9].Content != "note 11" {
		t.Fatalf("linked memories = %+v", notes)
	}

	back, _ := env.svc.LinkedTasks(ctx, b.ID, false)
	if !slices.Equal(back.Links[task.RelSupersededBy], []string{a.ID}) {
		t.Fatalf("reverse view = %+v", back.Links)
	}
}
