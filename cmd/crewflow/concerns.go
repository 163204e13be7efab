package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Strob0t/crewflow/internal/domain/phase"
	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/service"
)

func newConcernCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "concern",
		Short: "Raise, address and list a task's concerns",
	}

	var req service.ConcernRequest
	var severity string
	add := &cobra.Command{
		Use:   "add <task-id> <source-phase> <description>",
		Short: "Raise a concern on a task",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Source = phase.Phase(args[1])
			req.Severity = task.Severity(severity)
			req.Description = strings.Join(args[2:], " ")
			return a.withStack(cmd, stackOptions{}, func(s *stack) error {
				c, err := s.workflow.AddConcern(cmd.Context(), args[0], req)
				if err != nil {
					return err
				}
				return a.printConcerns(cmd.OutOrStdout(), c, []task.Concern{c})
			})
		},
	}
	add.Flags().StringVar(&severity, "severity", "medium", "critical, high, medium or low")
	add.Flags().BoolVar(&req.Blocking, "blocking", false, "the concern must be addressed before moving on")

	address := &cobra.Command{
		Use:   "address <task-id> <concern-id> <addressed-by>",
		Short: "Mark a concern as addressed",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStack(cmd, stackOptions{}, func(s *stack) error {
				c, err := s.workflow.AddressConcern(cmd.Context(), args[0], strings.ToUpper(args[1]), args[2])
				if err != nil {
					return err
				}
				return a.printConcerns(cmd.OutOrStdout(), c, []task.Concern{c})
			})
		},
	}

	var open bool
	list := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List a task's concerns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStack(cmd, stackOptions{}, func(s *stack) error {
				l, err := s.workflow.Concerns(cmd.Context(), args[0], open)
				if err != nil {
					return err
				}
				return a.printConcerns(cmd.OutOrStdout(), l, l.Concerns)
			})
		},
	}
	list.Flags().BoolVar(&open, "open", false, "only concerns nobody has addressed")

	cmd.AddCommand(add, address, list)
	return cmd
}

func (a *app) printConcerns(w io.Writer, v any, cs []task.Concern) error {
	return a.print(w, v, func(w io.Writer) error {
		for _, c := range cs {
			state := "open"
			if c.AddressedBy != "" {
				state = "addressed by " + c.AddressedBy
			}
			fmt.Fprintf(w, "%s [%s %s] %s (%s)\n", c.ID, c.Source, c.Severity, c.Description, state)
		}
		return nil
	})
}

func newLinkCmd(a *app) *cobra.Command {
	var rel string
	cmd := &cobra.Command{
		Use:   "link <task-id> <related-task-id>...",
		Short: "Link related tasks so agents can build on earlier work",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStack(cmd, stackOptions{}, func(s *stack) error {
				res, err := s.workflow.LinkTasks(cmd.Context(), args[0], args[1:], task.Relationship(rel))
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), res, func(w io.Writer) error {
					fmt.Fprintf(w, "%s: linked %s as %s\n", res.TaskID, strings.Join(res.Added, ", "), rel)
					if len(res.Invalid) > 0 {
						fmt.Fprintf(w, "skipped: %s\n", strings.Join(res.Invalid, ", "))
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&rel, "as", string(task.RelRelated), "relationship: related, builds_on, supersedes or blocked_by")
	return cmd
}

func newLinksCmd(a *app) *cobra.Command {
	var memories bool
	cmd := &cobra.Command{
		Use:   "links <task-id>",
		Short: "Show a task's linked tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStack(cmd, stackOptions{}, func(s *stack) error {
				lt, err := s.workflow.LinkedTasks(cmd.Context(), args[0], memories)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), lt, func(w io.Writer) error {
					rels := make([]string, 0, len(lt.Links))
					for r := range lt.Links {
						rels = append(rels, string(r))
					}
					slices.Sort(rels)
					for _, r := range rels {
						fmt.Fprintf(w, "%s: %s\n", r, strings.Join(lt.Links[task.Relationship(r)], ", "))
					}
					for id, ds := range lt.Memories {
						if err := a.printDiscoveries(w, ds); err != nil {
							return fmt.Errorf("%s: %w", id, err)
						}
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().BoolVar(&memories, "memories", false, "include the latest discoveries of each linked task")
	return cmd
}
