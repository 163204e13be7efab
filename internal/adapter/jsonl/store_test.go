package jsonl

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Strob0t/crewflow/internal/domain/memory"
	"github.com/Strob0t/crewflow/internal/port/database"
	"github.com/Strob0t/crewflow/internal/port/database/databasetest"
)

func TestCompliance(t *testing.T) {
	databasetest.RunComplianceTests(t, func(t *testing.T) database.Store {
		s, err := Open(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}

func TestTornTrailingLineSkipped(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.AppendDiscovery(ctx, &memory.Discovery{TaskID: "A", Category: memory.CategoryGotcha, Content: "whole"}); err != nil {
		t.Fatal(err)
	}

	// Simulate a writer that crashed halfway through a line.
	path := filepath.Join(dir, discoveriesFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"id":"x","seq":2,"task_id":"A","cont`)
	_ = f.Close()

	got, err := s.ListDiscoveries(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "whole" {
		t.Fatalf("expected only the complete entry, got %+v", got)
	}

	// The next append must not be glued onto the fragment.
	d := &memory.Discovery{TaskID: "A", Category: memory.CategoryGotcha, Content: "after"}
	if err := s.AppendDiscovery(ctx, d); err != nil {
		t.Fatal(err)
	}
	if d.Seq != 2 {
		t.Fatalf("seq = %d, want 2", d.Seq)
	}
	got, _ = s.ListDiscoveries(ctx, "A")
	if len(got) != 2 || got[1].Content != "after" {
		t.Fatalf("expected entry after fragment, got %+v", got)
	}
}

func TestSeqContinuesAcrossStores(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, _ := Open(dir)
	second, _ := Open(dir)

	a := &memory.Discovery{TaskID: "A", Category: memory.CategoryDecision, Content: "one"}
	b := &memory.Discovery{TaskID: "A", Category: memory.CategoryDecision, Content: "two"}
	c := &memory.Discovery{TaskID: "A", Category: memory.CategoryDecision, Content: "three"}
	if err := first.AppendDiscovery(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := second.AppendDiscovery(ctx, b); err != nil {
		t.Fatal(err)
	}
	if err := first.AppendDiscovery(ctx, c); err != nil {
		t.Fatal(err)
	}
	if a.Seq != 1 || b.Seq != 2 || c.Seq != 3 {
		t.Fatalf("seqs = %d, %d, %d; want 1, 2, 3", a.Seq, b.Seq, c.Seq)
	}
}
