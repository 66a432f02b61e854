package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"cyclegate/internal/domain"
	"cyclegate/internal/engine"
	"cyclegate/internal/engine/auth"
	"cyclegate/internal/repo"
)

func planCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "plan", Short: "Manage monitoring plans"}
	cmd.AddCommand(planImportCmd())
	cmd.AddCommand(planListCmd())
	cmd.AddCommand(planShowCmd())
	return cmd
}

func planImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create or update a plan from YAML",
		Long:  "Metrics, entities and approvers in the file are upserted. Cycles already started keep the metric snapshot they locked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			spec, err := engine.ParsePlan(data)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Auth.Require(ctx, nil, spec.ID, actorID(), auth.PermPlanImport); err != nil {
					return err
				}
				detail, err := e.ImportPlan(ctx, spec, actorID())
				if err != nil {
					return err
				}
				return printJSONOrText(detail, fmt.Sprintf("Imported plan %s: %d metrics, %d entities, %d approvers",
					detail.ID, len(detail.Metrics), len(detail.Entities), len(detail.Approvers)))
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "plan YAML file")
	return cmd
}

func planListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListPlans(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.ID, p.Name, p.CreatedAt})
				}
				return printTable(items, table.Row{"ID", "Name", "Created"}, rows)
			})
		},
	}
}

func planShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan with its live metric definitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Auth.Require(ctx, nil, args[0], actorID(), auth.PermCycleRead); err != nil {
					return err
				}
				detail, err := e.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(detail.Metrics))
				for _, m := range detail.Metrics {
					rows = append(rows, table.Row{m.ID, m.Name, m.Kind, formatThresholds(m.Thresholds)})
				}
				return printTable(detail, table.Row{"Metric", "Name", "Kind", "Thresholds"}, rows)
			})
		},
	}
}

func cycleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "cycle", Short: "Drive monitoring cycles"}
	cmd.AddCommand(cycleCreateCmd())
	cmd.AddCommand(cycleListCmd())
	cmd.AddCommand(cycleShowCmd())
	cmd.AddCommand(cycleMetricsCmd())
	cmd.AddCommand(cycleVerbCmd("start", "Lock the metric snapshot and open data collection", auth.PermCycleStart,
		func(ctx context.Context, e engine.Engine, id string) (domain.CycleView, error) {
			return e.StartCycle(ctx, id, actorID())
		}))
	cmd.AddCommand(cycleVerbCmd("submit", "Close data collection for review", auth.PermCycleSubmit,
		func(ctx context.Context, e engine.Engine, id string) (domain.CycleView, error) {
			return e.SubmitCycle(ctx, id, actorID())
		}))
	cmd.AddCommand(cycleVerbCmd("resume", "Resume a held cycle", auth.PermCycleHold,
		func(ctx context.Context, e engine.Engine, id string) (domain.CycleView, error) {
			return e.ResumeCycle(ctx, id, actorID())
		}))
	cmd.AddCommand(cycleReasonCmd("hold", "Put a cycle on hold", auth.PermCycleHold,
		func(ctx context.Context, e engine.Engine, id, reason string) (domain.CycleView, error) {
			return e.HoldCycle(ctx, id, reason, actorID())
		}))
	cmd.AddCommand(cycleReasonCmd("cancel", "Cancel a cycle", auth.PermCycleCancel,
		func(ctx context.Context, e engine.Engine, id, reason string) (domain.CycleView, error) {
			return e.CancelCycle(ctx, id, reason, actorID())
		}))
	cmd.AddCommand(cycleRequestApprovalCmd())
	return cmd
}

func cycleCreateCmd() *cobra.Command {
	var in engine.CreateCycleInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a cycle in pending status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.PlanID == "" || in.PeriodStart == "" || in.PeriodEnd == "" {
				return fmt.Errorf("--plan, --start and --end required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Auth.Require(ctx, nil, in.PlanID, actorID(), auth.PermCycleCreate); err != nil {
					return err
				}
				in.ActorID = actorID()
				view, err := e.CreateCycle(ctx, in)
				if err != nil {
					return err
				}
				return printCycle(view)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "cycle id (generated if empty)")
	cmd.Flags().StringVar(&in.PlanID, "plan", "", "plan id")
	cmd.Flags().StringVar(&in.PeriodStart, "start", "", "period start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&in.PeriodEnd, "end", "", "period end (YYYY-MM-DD)")
	cmd.Flags().StringVar(&in.SubmissionDue, "submission-due", "", "submission due date")
	cmd.Flags().StringVar(&in.ReportDue, "report-due", "", "report due date")
	return cmd
}

func cycleListCmd() *cobra.Command {
	var f repo.CycleFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cycles of a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.PlanID == "" {
				return fmt.Errorf("--plan required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Auth.Require(ctx, nil, f.PlanID, actorID(), auth.PermCycleRead); err != nil {
					return err
				}
				items, err := e.ListCycles(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, c := range items {
					rows = append(rows, table.Row{c.ID, c.PeriodStart + " .. " + c.PeriodEnd, c.Status, c.Counts.Red, c.Quorum.Approved, c.Quorum.Required})
				}
				return printTable(items, table.Row{"ID", "Period", "Status", "Red", "Approved", "Required"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&f.PlanID, "plan", "", "plan id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max cycles")
	return cmd
}

func cycleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <cycle-id>",
		Short: "Show a cycle with counts, scoping mode and quorum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnCycle(ctx, e, args[0], auth.PermCycleRead); err != nil {
					return err
				}
				view, err := e.GetCycle(ctx, args[0])
				if err != nil {
					return err
				}
				return printCycle(view)
			})
		},
	}
}

func cycleMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics <cycle-id>",
		Short: "Show the metric definitions locked for a cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnCycle(ctx, e, args[0], auth.PermCycleRead); err != nil {
					return err
				}
				items, err := e.ListSnapshotMetrics(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, m := range items {
					rows = append(rows, table.Row{m.ID, m.Name, m.Kind, formatThresholds(m.Thresholds), m.SnapshotVersion})
				}
				return printTable(items, table.Row{"Metric", "Name", "Kind", "Thresholds", "Version"}, rows)
			})
		},
	}
}

func cycleVerbCmd(verb, short, perm string, run func(context.Context, engine.Engine, string) (domain.CycleView, error)) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <cycle-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnCycle(ctx, e, args[0], perm); err != nil {
					return err
				}
				view, err := run(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printCycle(view)
			})
		},
	}
}

func cycleReasonCmd(verb, short, perm string, run func(context.Context, engine.Engine, string, string) (domain.CycleView, error)) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   verb + " <cycle-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnCycle(ctx, e, args[0], perm); err != nil {
					return err
				}
				view, err := run(ctx, e, args[0], reason)
				if err != nil {
					return err
				}
				return printCycle(view)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason (required)")
	return cmd
}

func cycleRequestApprovalCmd() *cobra.Command {
	var reportURL string
	cmd := &cobra.Command{
		Use:   "request-approval <cycle-id>",
		Short: "Request sign-off; refused while breaches lack a narrative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnCycle(ctx, e, args[0], auth.PermRequestApproval); err != nil {
					return err
				}
				view, err := e.RequestApproval(ctx, engine.RequestApprovalInput{CycleID: args[0], ReportURL: reportURL, ActorID: actorID()})
				var gate engine.BreachGateError
				if errors.As(err, &gate) {
					_ = printBreaches(gate.Breaches)
					return err
				}
				if err != nil {
					return err
				}
				return printCycle(view)
			})
		},
	}
	cmd.Flags().StringVar(&reportURL, "report-url", "", "link to the cycle report")
	return cmd
}

func breachesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "breaches <cycle-id>",
		Short: "List RED results that still need a narrative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnCycle(ctx, e, args[0], auth.PermCycleRead); err != nil {
					return err
				}
				items, err := e.FindUnjustifiedBreaches(ctx, args[0])
				if err != nil {
					return err
				}
				return printBreaches(items)
			})
		},
	}
}

func printBreaches(items []domain.Breach) error {
	rows := make([]table.Row, 0, len(items))
	for _, b := range items {
		rows = append(rows, table.Row{b.ResultID, b.MetricName, b.EntityName, deref(b.NumericValue)})
	}
	return printTable(items, table.Row{"Result", "Metric", "Entity", "Value"}, rows)
}

func printCycle(v domain.CycleView) error {
	return printJSONOrText(v, fmt.Sprintf(
		"Cycle %s (plan %s, %s .. %s)\n  status: %s\n  mode: %s\n  results: %d (green %d, yellow %d, red %d, unconfigured %d, skipped %d)\n  quorum: %d/%d approved, %d pending, %d rejected, %d voided",
		v.ID, v.PlanID, v.PeriodStart, v.PeriodEnd, v.Status, v.Mode,
		v.Counts.Results, v.Counts.Green, v.Counts.Yellow, v.Counts.Red, v.Counts.Unconfigured, v.Counts.Skipped,
		v.Quorum.Approved, v.Quorum.Required, v.Quorum.Pending, v.Quorum.Rejected, v.Quorum.Voided))
}
