package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/Strob0t/crewflow/internal/adapter/configwatch"
	"github.com/Strob0t/crewflow/internal/adapter/filestore"
	"github.com/Strob0t/crewflow/internal/adapter/jsonl"
	cfnats "github.com/Strob0t/crewflow/internal/adapter/nats"
	"github.com/Strob0t/crewflow/internal/adapter/natskv"
	cfotel "github.com/Strob0t/crewflow/internal/adapter/otel"
	"github.com/Strob0t/crewflow/internal/adapter/postgres"
	"github.com/Strob0t/crewflow/internal/adapter/ristretto"
	"github.com/Strob0t/crewflow/internal/adapter/tiered"
	"github.com/Strob0t/crewflow/internal/adapter/verifycmd"
	"github.com/Strob0t/crewflow/internal/config"
	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/port/agentbackend"
	"github.com/Strob0t/crewflow/internal/port/broadcast"
	"github.com/Strob0t/crewflow/internal/port/cache"
	"github.com/Strob0t/crewflow/internal/port/database"
	"github.com/Strob0t/crewflow/internal/port/messagequeue"
	"github.com/Strob0t/crewflow/internal/resilience"
	"github.com/Strob0t/crewflow/internal/service"
)

// configBucket is the NATS key-value bucket shared as the second cache tier.
const configBucket = "crewflow-config"

// stackOptions selects the optional parts of the service stack.
type stackOptions struct {
	agents bool                  // wire the agent backend and verifier for run/resume
	hub    broadcast.Broadcaster // live event fan-out, serve only
	watch  bool                  // watch config layer files (long-running commands)
}

// stack is the wired service graph for one command.
type stack struct {
	tc       task.Context
	queue    messagequeue.Queue
	workflow *service.WorkflowService
	memory   *service.MemoryService
	costs    *service.CostService
	config   *service.ConfigService
	watcher  *configwatch.Watcher
	metrics  *cfotel.Metrics

	closers []func()
}

// Close releases everything in reverse order of acquisition.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func (s *stack) onClose(fn func()) { s.closers = append(s.closers, fn) }

// open builds the service stack from the loaded configuration.
func (a *app) open(ctx context.Context, opts stackOptions) (_ *stack, err error) {
	tc, err := a.taskContext()
	if err != nil {
		return nil, err
	}
	s := &stack{tc: tc}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()
	cfg := a.cfg

	shutdown, err := cfotel.Init(ctx, cfg.OTEL)
	if err != nil {
		return nil, err
	}
	s.onClose(func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	})
	if s.metrics, err = cfotel.NewMetrics(); err != nil {
		return nil, err
	}

	tasks, err := filestore.New(tc.TasksDir)
	if err != nil {
		return nil, err
	}

	db, err := openDatabase(ctx, cfg, tc)
	if err != nil {
		return nil, err
	}
	s.onClose(func() { _ = db.Close() })

	if cfg.NATS.URL != "" {
		q, err := cfnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		s.queue = q
		s.onClose(func() {
			if err := q.Drain(); err != nil {
				_ = q.Close()
			}
		})
	}

	c, err := a.openCache(ctx, s)
	if err != nil {
		return nil, err
	}

	var watcher service.LayerWatcher
	if opts.watch {
		w, err := configwatch.New(func(path string) {
			slog.Info("workflow config changed", "path", path)
		})
		if err != nil {
			return nil, err
		}
		w.Start(ctx)
		s.watcher = w
		s.onClose(func() { _ = w.Close() })
		watcher = w
	}

	events := service.NewEventService(s.queue, opts.hub)
	s.config = service.NewConfigService(c, cfg.Cache.TTL, watcher)
	s.memory = service.NewMemoryService(db, events)
	s.memory.UseConfig(s.config, tc)
	s.costs = service.NewCostService(db, tasks, events, s.metrics)

	deps := service.WorkflowDeps{
		Tasks:    tasks,
		TasksDir: tc.TasksDir,
		Config:   s.config,
		Memory:   s.memory,
		Costs:    s.costs,
		Events:   events,
		Metrics:  s.metrics,
	}
	if opts.agents {
		if err := a.wireAgents(s, &deps); err != nil {
			return nil, err
		}
	}
	s.workflow = service.NewWorkflowService(deps)
	return s, nil
}

func openDatabase(ctx context.Context, cfg *config.Config, tc task.Context) (database.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return postgres.NewStore(pool), nil
	default:
		return jsonl.Open(filepath.Join(tc.ProjectDir, ".crewflow", "logs"))
	}
}

// openCache returns the in-process ristretto cache, backed by the shared NATS
// key-value bucket when NATS is configured.
func (a *app) openCache(ctx context.Context, s *stack) (cache.Cache, error) {
	l1, err := ristretto.New(a.cfg.Cache.MaxCostMB << 20)
	if err != nil {
		return nil, err
	}
	s.onClose(l1.Close)
	if err := s.metrics.ObserveCache("config", l1.Stats); err != nil {
		slog.Warn("cache metrics unavailable", "error", err)
	}

	q, ok := s.queue.(*cfnats.Queue)
	if !ok {
		return l1, nil
	}
	kv, err := q.KeyValue(ctx, configBucket, a.cfg.Cache.TTL)
	if err != nil {
		slog.Warn("shared config cache unavailable, using local cache only", "error", err)
		return l1, nil
	}
	return tiered.New(l1, natskv.New(kv), a.cfg.Cache.TTL), nil
}

// wireAgents adds the agent runner and the verifier. The verifier takes its
// commands from each task's settings snapshot.
func (a *app) wireAgents(s *stack, deps *service.WorkflowDeps) error {
	agent, err := agentbackend.New(a.cfg.Agent.Backend, agentbackend.Options{
		Command: a.cfg.Agent.Command,
		Dir:     s.tc.ProjectDir,
		Timeout: a.cfg.Agent.Timeout,
	})
	if err != nil {
		return fmt.Errorf("agent backend: %w", err)
	}
	deps.Agents = service.NewAgentRunner(agent, resilience.NewSet(a.cfg.Breaker.MaxFailures, a.cfg.Breaker.Timeout), s.metrics)
	deps.Verifier = verifycmd.New(s.tc.ProjectDir, 0)
	return nil
}
