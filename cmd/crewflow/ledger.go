package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Strob0t/crewflow/internal/domain/cost"
	"github.com/Strob0t/crewflow/internal/domain/memory"
)

func newDiscoveryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discovery",
		Short: "Record and query learnings shared between phases and tasks",
	}

	var tags []string
	save := &cobra.Command{
		Use:   "save <task-id> <category> <content>",
		Short: "Append a discovery (decision, pattern, gotcha, blocker or preference)",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := &memory.Discovery{
				TaskID:   args[0],
				Category: memory.Category(strings.ToLower(args[1])),
				Content:  strings.Join(args[2:], " "),
				Tags:     tags,
			}
			return a.withStack(cmd, stackOptions{}, func(s *stack) error {
				if err := s.memory.Save(cmd.Context(), d); err != nil {
					return err
				}
				return a.printDiscoveries(cmd.OutOrStdout(), []memory.Discovery{*d})
			})
		},
	}
	save.Flags().StringArrayVarP(&tags, "tag", "t", nil, "tag (repeatable)")

	var filter memory.Filter
	var category string
	list := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List a task's discoveries in recording order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.TaskID = args[0]
			filter.Category = memory.Category(category)
			return a.withStack(cmd, stackOptions{}, func(s *stack) error {
				items, err := s.memory.Query(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return a.printDiscoveries(cmd.OutOrStdout(), items)
			})
		},
	}
	list.Flags().StringVar(&category, "category", "", "only this category")
	list.Flags().StringArrayVarP(&filter.Tags, "tag", "t", nil, "required tag (repeatable)")
	list.Flags().StringVar(&filter.Text, "text", "", "case-insensitive substring of the content")

	var req memory.SearchRequest
	var searchCategory string
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Keyword search across tasks, most relevant first",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Query = strings.Join(args, " ")
			req.Category = memory.Category(searchCategory)
			return a.withStack(cmd, stackOptions{}, func(s *stack) error {
				res, err := s.memory.Search(cmd.Context(), req)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), res, func(w io.Writer) error {
					for i := range res {
						fmt.Fprintf(w, "%.2f [%s] %s %s\n", res[i].Relevance, res[i].TaskID, res[i].Category, res[i].Content)
					}
					return nil
				})
			})
		},
	}
	search.Flags().StringArrayVar(&req.TaskIDs, "task", nil, "limit to this task (repeatable)")
	search.Flags().StringVar(&searchCategory, "category", "", "only this category")
	search.Flags().IntVarP(&req.MaxResults, "max", "n", 0, "maximum results (default memory.max_results)")

	flush := &cobra.Command{
		Use:   "flush <task-id>",
		Short: "Show everything a task learned, grouped by category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStack(cmd, stackOptions{}, func(s *stack) error {
				f, err := s.memory.Flush(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), f, func(w io.Writer) error {
					for _, c := range memory.ValidCategories {
						if n := f.ByCategory[c]; n > 0 {
							fmt.Fprintf(w, "%s: %d\n", c, n)
						}
					}
					return a.printDiscoveries(w, f.Entries)
				})
			})
		},
	}

	cmd.AddCommand(save, list, search, flush)
	return cmd
}

func newErrorPatternCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "error-pattern",
		Aliases: []string{"errors"},
		Short:   "Keep a library of recurring errors and the fixes that worked",
	}

	var sighting memory.PatternSighting
	record := &cobra.Command{
		Use:   "record <signature>",
		Short: "Record a sighting of an error signature and its solution",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sighting.Signature = strings.Join(args, " ")
			return a.withStack(cmd, stackOptions{}, func(s *stack) error {
				p, created, err := s.memory.RecordErrorPattern(cmd.Context(), &sighting)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), p, func(w io.Writer) error {
					verb := "updated"
					if created {
						verb = "recorded"
					}
					_, err := fmt.Fprintf(w, "%s %q (seen %d times)\n", verb, p.Signature, p.TimesSeen)
					return err
				})
			})
		},
	}
	record.Flags().StringVar(&sighting.Type, "type", "", "kind of error: compile, test, runtime, lint...")
	record.Flags().StringVar(&sighting.Solution, "solution", "", "how the error was fixed")
	record.Flags().StringArrayVarP(&sighting.Tags, "tag", "t", nil, "tag (repeatable)")
	record.Flags().StringVar(&sighting.TaskID, "task", "", "task the error was seen in")

	var minConfidence float64
	match := &cobra.Command{
		Use:   "match [error output]",
		Short: "Look up known fixes for an error output (read from stdin when omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := strings.Join(args, " ")
			if len(args) == 0 {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				output = string(data)
			}
			return a.withStack(cmd, stackOptions{}, func(s *stack) error {
				m, err := s.memory.MatchError(cmd.Context(), output, minConfidence)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), m, func(w io.Writer) error {
					for _, p := range m.Matches {
						fmt.Fprintf(w, "%.2f %q (%s, seen %d): %s\n", p.Confidence, p.Signature, p.Type, p.TimesSeen, p.Solution)
					}
					return nil
				})
			})
		},
	}
	match.Flags().Float64Var(&minConfidence, "min-confidence", 0, "match threshold between 0 and 1 (default 0.5)")

	cmd.AddCommand(record, match)
	return cmd
}

func newCostCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Record and summarize agent token usage",
	}

	var e cost.Entry
	record := &cobra.Command{
		Use:   "record <task-id> <agent> <model>",
		Short: "Record the token usage of one agent invocation",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			e.TaskID, e.Agent, e.Model = args[0], args[1], args[2]
			return a.withStack(cmd, stackOptions{}, func(s *stack) error {
				if err := s.costs.Record(cmd.Context(), &e); err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), e, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "%s %s: %d tokens, $%.4f\n", e.Agent, e.Model, e.Tokens, e.EstimatedCost)
					return err
				})
			})
		},
	}
	record.Flags().StringVar(&e.Phase, "phase", "", "phase the agent ran in")
	record.Flags().Int64Var(&e.InputTokens, "input", 0, "input tokens")
	record.Flags().Int64Var(&e.OutputTokens, "output-tokens", 0, "output tokens")
	record.Flags().Int64Var(&e.CompactionTokens, "compaction", 0, "context compaction tokens")
	record.Flags().Int64Var(&e.DurationMS, "duration-ms", 0, "wall time of the invocation")

	summary := &cobra.Command{
		Use:   "summary <task-id>",
		Short: "Aggregate a task's costs by phase, agent and model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStack(cmd, stackOptions{}, func(s *stack) error {
				sum, err := s.costs.Summarize(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printCostSummary(cmd.OutOrStdout(), sum)
			})
		},
	}

	cmd.AddCommand(record, summary)
	return cmd
}
