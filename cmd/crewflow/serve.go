package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	cfhttp "github.com/Strob0t/crewflow/internal/adapter/http"
	cfmcp "github.com/Strob0t/crewflow/internal/adapter/mcp"
	"github.com/Strob0t/crewflow/internal/adapter/postgres"
	"github.com/Strob0t/crewflow/internal/adapter/ws"
	"github.com/Strob0t/crewflow/internal/config"
	"github.com/Strob0t/crewflow/internal/middleware"
	"github.com/Strob0t/crewflow/internal/service"
)

const (
	shutdownTimeout    = 10 * time.Second
	limiterCleanup     = time.Minute
	limiterMaxIdle     = 10 * time.Minute
	readHeaderTimeout  = 10 * time.Second
	serverIdleTimeout  = 120 * time.Second
	serverWriteTimeout = 60 * time.Second
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API and live event stream, driving tasks in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&a.flags.addr, "addr", "", "listen address (default "+config.Defaults().Server.Addr+")")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	hub := ws.NewHub(cfg.Server.CORSOrigin)
	defer hub.Close()

	s, err := a.open(ctx, stackOptions{agents: true, hub: hub, watch: true})
	if err != nil {
		return err
	}
	defer s.Close()

	if s.queue != nil {
		cancel, err := s.workflow.StartCommandSubscriber(ctx, s.queue)
		if err != nil {
			return err
		}
		defer cancel()
	}

	runs := service.NewRunPool(ctx, s.workflow, cfg.Server.MaxRuns)
	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst, middleware.URLParam("id"))
	limiter.StartCleanup(ctx, limiterCleanup, limiterMaxIdle)

	handlers := &cfhttp.Handlers{
		Workflow: s.workflow,
		Memory:   s.memory,
		Costs:    s.costs,
		Config:   s.config,
		Runs:     runs,
		Context:  s.tc,
	}
	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: cfhttp.NewRouter(cfhttp.RouterConfig{
			CORSOrigin: cfg.Server.CORSOrigin,
			RunLimiter: limiter,
			WS:         hub.HandleWS,
		}, handlers),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      serverWriteTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	var mcpSrv *cfmcp.Server
	if cfg.MCP.Transport == "http" {
		mcpSrv = a.newMCPServer(s)
		if err := mcpSrv.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", srv.Addr, "project", s.tc.ProjectDir, "max_runs", cfg.Server.MaxRuns)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if mcpSrv != nil {
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return mcpSrv.Stop(sctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		runs.Wait()
		return err
	})
	return g.Wait()
}

func (a *app) newMCPServer(s *stack) *cfmcp.Server {
	return cfmcp.NewServer(cfmcp.ServerConfig{
		Name:    "crewflow",
		Version: cfhttp.Version,
		Addr:    a.cfg.MCP.Addr,
		APIKey:  a.cfg.MCP.APIKey,
	}, cfmcp.ServerDeps{
		Workflow: s.workflow,
		Memory:   s.memory,
		Costs:    s.costs,
		Config:   s.config,
		Context:  s.tc,
	})
}

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the workflow tools over MCP (stdio or streamable HTTP per mcp.transport)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := a.open(ctx, stackOptions{watch: true})
			if err != nil {
				return err
			}
			defer s.Close()

			srv := a.newMCPServer(s)
			if a.cfg.MCP.Transport == "stdio" {
				return srv.ServeStdio(ctx, os.Stdin, os.Stdout)
			}
			if err := srv.Start(); err != nil {
				return err
			}
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Stop(sctx)
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config [task-id]",
		Short: "Show the effective workflow configuration and the layers it came from",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var taskID string
			if len(args) == 1 {
				taskID = args[0]
			}
			return a.withStack(cmd, stackOptions{}, func(s *stack) error {
				eff, err := s.config.Resolve(cmd.Context(), s.tc, taskID)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), eff, func(w io.Writer) error {
					for _, src := range eff.Sources {
						state := "absent"
						if src.Present {
							state = "applied"
						}
						fmt.Fprintf(w, "# %-8s %-7s %s\n", src.Layer, state, src.Path)
					}
					enc := yaml.NewEncoder(w)
					enc.SetIndent(2)
					if err := enc.Encode(eff.Settings); err != nil {
						return err
					}
					return enc.Close()
				})
			})
		},
	}
}

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema of the discovery and cost logs",
	}
	dsn := func() (string, error) {
		if a.cfg.Postgres.DSN == "" {
			return "", errors.New("postgres.dsn is required (set --dsn or DATABASE_URL)")
		}
		return a.cfg.Postgres.DSN, nil
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := dsn()
			if err != nil {
				return err
			}
			return postgres.RunMigrations(cmd.Context(), d)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := dsn()
			if err != nil {
				return err
			}
			return postgres.RollbackMigrations(cmd.Context(), d, steps)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := dsn()
			if err != nil {
				return err
			}
			v, err := postgres.MigrationVersion(cmd.Context(), d)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), v)
			return err
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}
