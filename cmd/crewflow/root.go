package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Strob0t/crewflow/internal/config"
	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/logger"
)

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	logLevel   string
	tasksDir   string
	backend    string
	dsn        string
	natsURL    string
	projectDir string
	overrides  []string
	output     string
	addr       string // serve only
}

// app is the state built in PersistentPreRunE and released afterwards.
type app struct {
	flags  globals
	cfg    *config.Config
	closer logger.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "crewflow",
		Short:         "Orchestrate development tasks through agent phases and human checkpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.closer != nil {
				a.closer.Close()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", "", "service config file (default "+config.DefaultConfigFile+")")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&a.flags.tasksDir, "tasks-dir", "", "task state directory (default <project>/.tasks)")
	pf.StringVar(&a.flags.backend, "backend", "", "discovery and cost log backend: jsonl or postgres")
	pf.StringVar(&a.flags.dsn, "dsn", "", "PostgreSQL DSN for the postgres backend")
	pf.StringVar(&a.flags.natsURL, "nats-url", "", "NATS server for workflow events")
	pf.StringVarP(&a.flags.projectDir, "project", "C", "", "project directory (default the current directory)")
	pf.StringArrayVarP(&a.flags.overrides, "set", "s", nil, "runtime workflow config override, dotted.key=value (repeatable)")
	pf.StringVarP(&a.flags.output, "output", "o", "", "output format: json or text (default text on a terminal)")

	root.AddCommand(
		newInitCmd(a),
		newStateCmd(a),
		newListCmd(a),
		newTransitionCmd(a),
		newCompletePhaseCmd(a),
		newDecideCmd(a),
		newRestartCmd(a),
		newProgressCmd(a),
		newCompleteStepCmd(a),
		newRunCmd(a, false),
		newRunCmd(a, true),
		newConcernCmd(a),
		newLinkCmd(a),
		newLinksCmd(a),
		newDiscoveryCmd(a),
		newErrorPatternCmd(a),
		newCostCmd(a),
		newConfigCmd(a),
		newDetectCmd(a),
		newServeCmd(a),
		newMCPCmd(a),
		newMigrateCmd(a),
	)
	return root
}

// setup loads the service configuration, applying only the flags the user
// set, and installs the default logger on stderr.
func (a *app) setup(cmd *cobra.Command) error {
	var f config.Flags
	changed := func(name string, v *string) *string {
		if cmd.Flags().Changed(name) {
			return v
		}
		return nil
	}
	f.ConfigPath = changed("config", &a.flags.configPath)
	f.Addr = changed("addr", &a.flags.addr)
	f.LogLevel = changed("log-level", &a.flags.logLevel)
	f.TasksDir = changed("tasks-dir", &a.flags.tasksDir)
	f.Backend = changed("backend", &a.flags.backend)
	f.DSN = changed("dsn", &a.flags.dsn)
	f.NatsURL = changed("nats-url", &a.flags.natsURL)

	cfg, _, err := config.LoadWithFlags(f)
	if err != nil {
		return err
	}
	a.cfg = cfg

	l, closer := logger.New(cfg.Logging, os.Stderr)
	slog.SetDefault(l)
	a.closer = closer
	return nil
}

// taskContext locates the project and its task directory.
func (a *app) taskContext() (task.Context, error) {
	project := a.flags.projectDir
	if project == "" {
		wd, err := os.Getwd()
		if err != nil {
			return task.Context{}, fmt.Errorf("working directory: %w", err)
		}
		project = wd
	}
	project, err := filepath.Abs(project)
	if err != nil {
		return task.Context{}, fmt.Errorf("project directory: %w", err)
	}
	tasksDir := a.cfg.Store.TasksDir
	if !filepath.IsAbs(tasksDir) {
		tasksDir = filepath.Join(project, tasksDir)
	}
	return task.Context{
		ProjectDir: project,
		TasksDir:   tasksDir,
		Overrides:  a.flags.overrides,
	}, nil
}
