package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Strob0t/crewflow/internal/adapter/agentcli"
	"github.com/Strob0t/crewflow/internal/domain/checkpoint"
	"github.com/Strob0t/crewflow/internal/domain/mode"
	"github.com/Strob0t/crewflow/internal/domain/phase"
	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/port/agentbackend"
	"github.com/Strob0t/crewflow/internal/service"
)

// withStack opens the default stack for the duration of fn.
func (a *app) withStack(cmd *cobra.Command, opts stackOptions, fn func(s *stack) error) error {
	s, err := a.open(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// taskCmd builds a command that changes one task and prints the result.
func (a *app) taskCmd(use, short string, nargs int, op func(cmd *cobra.Command, s *stack, args []string) (*task.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStack(cmd, stackOptions{}, func(s *stack) error {
				t, err := op(cmd, s, args)
				if err != nil {
					return err
				}
				return a.printTask(cmd.OutOrStdout(), t)
			})
		},
	}
}

func newInitCmd(a *app) *cobra.Command {
	var req service.InitRequest
	var modeName string
	cmd := &cobra.Command{
		Use:   "init <description>",
		Short: "Create a task and place it at the first phase of its mode",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Description = strings.Join(args, " ")
			req.Mode = mode.Name(modeName)
			return a.withStack(cmd, stackOptions{}, func(s *stack) error {
				t, err := s.workflow.Initialize(cmd.Context(), s.tc, req)
				if err != nil {
					return err
				}
				return a.printTask(cmd.OutOrStdout(), t)
			})
		},
	}
	cmd.Flags().StringVar(&req.TaskID, "id", "", "task id (default the next TASK_NNN)")
	cmd.Flags().StringVar(&modeName, "mode", "", "force a mode: full, fast, turbo or minimal")
	cmd.Flags().StringArrayVarP(&req.Files, "file", "f", nil, "file the change is expected to touch (repeatable)")
	return cmd
}

func newStateCmd(a *app) *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "state <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStack(cmd, stackOptions{}, func(s *stack) error {
				if resume {
					info, err := s.workflow.ResumeState(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return a.printResume(cmd.OutOrStdout(), info)
				}
				t, err := s.workflow.GetState(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printTask(cmd.OutOrStdout(), t)
			})
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "show where an interrupted task stands instead")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStack(cmd, stackOptions{}, func(s *stack) error {
				tasks, err := s.workflow.List(cmd.Context())
				if err != nil {
					return err
				}
				return a.printTasks(cmd.OutOrStdout(), tasks)
			})
		},
	}
}

func newTransitionCmd(a *app) *cobra.Command {
	return a.taskCmd("transition <task-id> <phase>", "Move a task to another phase of its chain", 2,
		func(cmd *cobra.Command, s *stack, args []string) (*task.Task, error) {
			return s.workflow.Transition(cmd.Context(), args[0], phase.Normalize(args[1]))
		})
}

func newCompletePhaseCmd(a *app) *cobra.Command {
	var resultPath string
	cmd := a.taskCmd("complete-phase <task-id> <phase>", "Record an agent's result for the current phase", 2,
		func(cmd *cobra.Command, s *stack, args []string) (*task.Task, error) {
			out, err := readResult(cmd.InOrStdin(), resultPath)
			if err != nil {
				return nil, err
			}
			return s.workflow.CompletePhase(cmd.Context(), args[0], phase.Normalize(args[1]), *out)
		})
	cmd.Long = `Record an agent's result for the current phase.

The result is either a JSON object with the agent output fields or the raw
agent transcript with tagged blocks (<steps>, <concerns>, <completion> ...).`
	cmd.Flags().StringVarP(&resultPath, "result", "r", "", "result file, - for stdin (default an empty, done result)")
	return cmd
}

// readResult loads an agent result from path. JSON objects decode directly;
// anything else is parsed as an agent transcript.
func readResult(stdin io.Reader, path string) (*agentbackend.Output, error) {
	if path == "" {
		return &agentbackend.Output{Completion: agentbackend.CompletionDone}, nil
	}
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path) //nolint:gosec // G304: path is user input by design of the command
	}
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		var out agentbackend.Output
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&out); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		return &out, nil
	}
	return agentcli.Parse(string(data))
}

func newDecideCmd(a *app) *cobra.Command {
	var notes string
	cmd := a.taskCmd("decide <task-id> <approve|revise|restart|skip>", "Resolve the task's pending checkpoint", 2,
		func(cmd *cobra.Command, s *stack, args []string) (*task.Task, error) {
			return s.workflow.ResolveCheckpoint(cmd.Context(), args[0], checkpoint.Decision(strings.ToLower(args[1])), notes)
		})
	cmd.Flags().StringVarP(&notes, "notes", "n", "", "feedback for the next agent")
	return cmd
}

func newRestartCmd(a *app) *cobra.Command {
	return a.taskCmd("restart <task-id>", "Send a task back to its planning phase", 1,
		func(cmd *cobra.Command, s *stack, args []string) (*task.Task, error) {
			return s.workflow.Restart(cmd.Context(), args[0])
		})
}

func newProgressCmd(a *app) *cobra.Command {
	cmd := a.taskCmd("progress <task-id> <step>...", "Replace the implementation plan", 1,
		func(cmd *cobra.Command, s *stack, args []string) (*task.Task, error) {
			return s.workflow.SetImplementationProgress(cmd.Context(), args[0], args[1:])
		})
	cmd.Args = cobra.MinimumNArgs(2)
	return cmd
}

func newCompleteStepCmd(a *app) *cobra.Command {
	return a.taskCmd("complete-step <task-id> <step>", "Mark an implementation step done", 2,
		func(cmd *cobra.Command, s *stack, args []string) (*task.Task, error) {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return nil, fmt.Errorf("step must be a positive integer, got %q", args[1])
			}
			return s.workflow.CompleteStep(cmd.Context(), args[0], n)
		})
}

// newRunCmd builds run, or resume when resume is set. Both drive the task
// with the configured agent until it completes or needs a human.
func newRunCmd(a *app, resume bool) *cobra.Command {
	use, short := "run <task-id>", "Drive a task with the configured agent until a checkpoint or completion"
	if resume {
		use, short = "resume <task-id>", "Continue an interrupted task without repeating finished work"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStack(cmd, stackOptions{agents: true}, func(s *stack) error {
				drive := s.workflow.Run
				if resume {
					drive = s.workflow.Resume
				}
				t, err := drive(cmd.Context(), args[0])
				if t != nil {
					if perr := a.printTask(cmd.OutOrStdout(), t); perr != nil && err == nil {
						err = perr
					}
				}
				return err
			})
		},
	}
}

func newDetectCmd(a *app) *cobra.Command {
	var files []string
	cmd := &cobra.Command{
		Use:   "detect <description>",
		Short: "Show the mode a description would get, without creating a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := mode.Detect(strings.Join(args, " "), "", files)
			if err != nil {
				return err
			}
			chain := mode.Chain(d.Mode)
			res := struct {
				mode.Detection
				Chain []phase.Phase `json:"phase_chain"`
			}{d, chain}
			return a.print(cmd.OutOrStdout(), res, func(w io.Writer) error {
				names := make([]string, len(chain))
				for i, p := range chain {
					names[i] = string(p)
				}
				_, err := fmt.Fprintf(w, "%s: %s\n  %s\n", d.Mode, d.Reason, strings.Join(names, " > "))
				return err
			})
		},
	}
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "file the change is expected to touch (repeatable)")
	return cmd
}
