package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/logger"
)

// ErrPoolFull is returned by RunPool.Start when every run slot is taken.
var ErrPoolFull = errors.New("all run slots are busy")

// RunPool drives tasks in the background, at most limit at a time and never
// the same task twice concurrently. Runs inherit the pool's context, not the
// caller's, so a request that started a run can return immediately.
type RunPool struct {
	wf     *WorkflowService
	sem    *semaphore.Weighted
	ctx    context.Context
	mu     sync.Mutex
	active map[string]bool
	wg     sync.WaitGroup
}

// NewRunPool creates a RunPool. Cancelling ctx interrupts every run at its
// next phase or step boundary.
func NewRunPool(ctx context.Context, wf *WorkflowService, limit int) *RunPool {
	if limit < 1 {
		limit = 1
	}
	return &RunPool{
		wf:     wf,
		sem:    semaphore.NewWeighted(int64(limit)),
		ctx:    ctx,
		active: make(map[string]bool),
	}
}

// Start runs id (or resumes it when resume is set) in a new goroutine.
func (p *RunPool) Start(id string, resume bool) error {
	if p.wf.agents == nil {
		return ErrNoAgent
	}
	p.mu.Lock()
	if p.active[id] {
		p.mu.Unlock()
		return fmt.Errorf("%w: task %s is already running", domain.ErrConflict, id)
	}
	if !p.sem.TryAcquire(1) {
		p.mu.Unlock()
		return ErrPoolFull
	}
	p.active[id] = true
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.release(id)

		ctx := logger.WithTaskID(p.ctx, id)
		run := p.wf.Run
		if resume {
			run = p.wf.Resume
		}
		t, err := run(ctx, id)
		switch {
		case err != nil:
			slog.ErrorContext(ctx, "background run failed", "error", err)
		case t != nil:
			slog.InfoContext(ctx, "background run halted", "phase", t.CurrentPhase, "status", t.Status)
		}
	}()
	return nil
}

// Running reports whether id has a run in flight.
func (p *RunPool) Running(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[id]
}

// Wait blocks until every started run has returned.
func (p *RunPool) Wait() { p.wg.Wait() }

func (p *RunPool) release(id string) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
	p.sem.Release(1)
}
