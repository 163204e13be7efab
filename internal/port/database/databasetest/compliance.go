// Package databasetest provides a compliance suite for database.Store
// implementations.
package databasetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/Strob0t/crewflow/internal/domain/cost"
	"github.com/Strob0t/crewflow/internal/domain/memory"
	"github.com/Strob0t/crewflow/internal/port/database"
)

// RunComplianceTests runs the standard suite against a Store. newStore must
// return an empty store; it is called once per subtest.
func RunComplianceTests(t *testing.T, newStore func(t *testing.T) database.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("AppendDiscoveryAssignsFields", func(t *testing.T) {
		s := newStore(t)
		d := &memory.Discovery{TaskID: "TASK_001", Category: memory.CategoryGotcha, Content: "first"}
		if err := s.AppendDiscovery(ctx, d); err != nil {
			t.Fatal(err)
		}
		if d.ID == "" || d.Seq == 0 || d.Timestamp.IsZero() {
			t.Fatalf("append did not assign id/seq/timestamp: %+v", d)
		}
	})

	t.Run("ListDiscoveriesInsertionOrder", func(t *testing.T) {
		s := newStore(t)
		for i, task := range []string{"A", "B", "A", "A"} {
			d := &memory.Discovery{TaskID: task, Category: memory.CategoryPattern, Content: fmt.Sprintf("entry %d", i), Tags: []string{"t"}}
			if err := s.AppendDiscovery(ctx, d); err != nil {
				t.Fatal(err)
			}
		}

		all, err := s.ListDiscoveries(ctx, "")
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 4 {
			t.Fatalf("expected 4 entries, got %d", len(all))
		}
		for i := 1; i < len(all); i++ {
			if all[i].Seq <= all[i-1].Seq {
				t.Fatalf("entries out of order: %d then %d", all[i-1].Seq, all[i].Seq)
			}
		}

		a, err := s.ListDiscoveries(ctx, "A")
		if err != nil {
			t.Fatal(err)
		}
		if len(a) != 3 || a[0].Content != "entry 0" || a[2].Content != "entry 3" {
			t.Fatalf("unexpected task A entries: %+v", a)
		}
		if len(a[0].Tags) != 1 || a[0].Tags[0] != "t" {
			t.Fatalf("tags not round-tripped: %+v", a[0].Tags)
		}
	})

	t.Run("ListDiscoveriesEmpty", func(t *testing.T) {
		s := newStore(t)
		got, err := s.ListDiscoveries(ctx, "NOPE")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 0 {
			t.Fatalf("expected no entries, got %d", len(got))
		}
	})

	t.Run("ConcurrentAppends", func(t *testing.T) {
		s := newStore(t)
		const n = 40
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d := &memory.Discovery{TaskID: "C", Category: memory.CategoryDecision, Content: fmt.Sprintf("writer %d", i)}
				errs <- s.AppendDiscovery(ctx, d)
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatal(err)
			}
		}

		got, err := s.ListDiscoveries(ctx, "C")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != n {
			t.Fatalf("expected %d entries, got %d", n, len(got))
		}
		seen := make(map[int64]bool, n)
		for _, d := range got {
			if seen[d.Seq] {
				t.Fatalf("duplicate seq %d", d.Seq)
			}
			seen[d.Seq] = true
		}
	})

	t.Run("Costs", func(t *testing.T) {
		s := newStore(t)
		for _, e := range []*cost.Entry{
			{TaskID: "A", Phase: "architect", Agent: "architect", Model: "opus", InputTokens: 10, OutputTokens: 5, Tokens: 15, EstimatedCost: 0.1},
			{TaskID: "B", Phase: "developer", Agent: "developer", Model: "sonnet", InputTokens: 1, OutputTokens: 1, Tokens: 2, EstimatedCost: 0.01},
			{TaskID: "A", Phase: "developer", Agent: "developer", Model: "opus", InputTokens: 20, OutputTokens: 5, Tokens: 25, EstimatedCost: 0.2},
		} {
			if err := s.AppendCost(ctx, e); err != nil {
				t.Fatal(err)
			}
			if e.ID == "" || e.Seq == 0 {
				t.Fatalf("append did not assign id/seq: %+v", e)
			}
		}

		a, err := s.ListCosts(ctx, "A")
		if err != nil {
			t.Fatal(err)
		}
		if len(a) != 2 || a[0].Phase != "architect" || a[1].EstimatedCost != 0.2 {
			t.Fatalf("unexpected task A costs: %+v", a)
		}
		all, err := s.ListCosts(ctx, "")
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 costs, got %d", len(all))
		}
	})

	t.Run("ErrorPatterns", func(t *testing.T) {
		s := newStore(t)
		for _, p := range []*memory.PatternSighting{
			{Signature: "undefined: ctx", Type: "compile", Solution: "import context", Tags: []string{"go"}, TaskID: "A"},
			{Signature: "connection refused", Type: "runtime", Solution: "start the db"},
			{Signature: "undefined: ctx", Type: "compile", Solution: "import context", TaskID: "B"},
		} {
			if err := s.AppendErrorPattern(ctx, p); err != nil {
				t.Fatal(err)
			}
			if p.ID == "" || p.Seq == 0 || p.Timestamp.IsZero() {
				t.Fatalf("append did not assign id/seq/timestamp: %+v", p)
			}
		}

		got, err := s.ListErrorPatterns(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 3 || got[0].Signature != "undefined: ctx" || got[2].TaskID != "B" {
			t.Fatalf("unexpected sightings: %+v", got)
		}
		if len(got[0].Tags) != 1 || got[1].Tags != nil {
			t.Fatalf("tags not round-tripped: %v / %v", got[0].Tags, got[1].Tags)
		}
	})
}
