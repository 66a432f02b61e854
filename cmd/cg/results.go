package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cyclegate/internal/domain"
	"cyclegate/internal/engine"
	"cyclegate/internal/engine/auth"
	"cyclegate/internal/importer"
)

func resultCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "result", Short: "Record monitoring results"}
	cmd.AddCommand(resultUpsertCmd())
	cmd.AddCommand(resultListCmd())
	cmd.AddCommand(resultSkipCmd())
	cmd.AddCommand(resultDeleteCmd())
	cmd.AddCommand(resultImportCmd())
	return cmd
}

func resultUpsertCmd() *cobra.Command {
	var cycleID, metricID, entityID, value, outcome, narrative string
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or replace the result of one cell",
		Long:  "The verdict is recomputed from the thresholds locked for the cycle.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cycleID == "" || metricID == "" {
				return fmt.Errorf("--cycle and --metric required")
			}
			in := domain.ResultUpsert{
				CycleID:        cycleID,
				MetricID:       metricID,
				EntityID:       optionalString(entityID),
				OutcomeValueID: optionalString(outcome),
				ActorID:        actorID(),
			}
			if value != "" {
				v, err := strconv.ParseFloat(value, 64)
				if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
					return fmt.Errorf("--value %q is not a finite number", value)
				}
				in.NumericValue = &v
			}
			if cmd.Flags().Changed("narrative") {
				in.Narrative = &narrative
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnCycle(ctx, e, cycleID, auth.PermResultWrite); err != nil {
					return err
				}
				rec, err := e.UpsertResult(ctx, in)
				if err != nil {
					return err
				}
				return printResults(rec, []domain.ResultRecord{rec})
			})
		},
	}
	cmd.Flags().StringVar(&cycleID, "cycle", "", "cycle id")
	cmd.Flags().StringVar(&metricID, "metric", "", "metric id")
	cmd.Flags().StringVar(&entityID, "entity", "", "entity id (omit for a plan-level result)")
	cmd.Flags().StringVar(&value, "value", "", "numeric value")
	cmd.Flags().StringVar(&outcome, "outcome", "", "outcome value id")
	cmd.Flags().StringVar(&narrative, "narrative", "", "narrative")
	return cmd
}

func resultListCmd() *cobra.Command {
	var entityID string
	cmd := &cobra.Command{
		Use:   "list <cycle-id>",
		Short: "List results of a cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnCycle(ctx, e, args[0], auth.PermCycleRead); err != nil {
					return err
				}
				items, err := e.ListResults(ctx, args[0], optionalString(entityID))
				if err != nil {
					return err
				}
				return printResults(items, items)
			})
		},
	}
	cmd.Flags().StringVar(&entityID, "entity", "", "entity filter")
	return cmd
}

func resultSkipCmd() *cobra.Command {
	var narrative string
	cmd := &cobra.Command{
		Use:   "skip <result-id>",
		Short: "Mark a result as skipped; a narrative is required",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnResult(ctx, e, args[0], auth.PermResultWrite); err != nil {
					return err
				}
				rec, err := e.SetSkipped(ctx, args[0], narrative, actorID())
				if err != nil {
					return err
				}
				return printResults(rec, []domain.ResultRecord{rec})
			})
		},
	}
	cmd.Flags().StringVar(&narrative, "narrative", "", "why the result is skipped")
	return cmd
}

func resultDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <result-id>",
		Short: "Delete a result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnResult(ctx, e, args[0], auth.PermResultWrite); err != nil {
					return err
				}
				if err := e.DeleteResult(ctx, args[0], actorID()); err != nil {
					return err
				}
				return printJSONOrText(map[string]string{"deleted": args[0]}, "Deleted "+args[0])
			})
		},
	}
}

func resultImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import <cycle-id>",
		Short: "Apply a CSV of results row by row",
		Long: `Columns: action (upsert|skip|delete, default upsert), metric_id, entity_id, numeric_value, outcome_value_id, narrative.
Each row goes through the same path as a single edit; failed rows are reported and do not stop the import.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			rows, err := importer.ReadCSV(f)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnCycle(ctx, e, args[0], auth.PermResultImport); err != nil {
					return err
				}
				report, err := e.ImportResults(ctx, args[0], rows, actorID())
				if err != nil {
					return err
				}
				out := make([]table.Row, 0, len(report.Rows))
				for _, r := range report.Rows {
					out = append(out, table.Row{r.Line, r.Action, r.ResultID, r.Code, r.Error})
				}
				if err := printTable(report, table.Row{"Line", "Action", "Result", "Code", "Error"}, out); err != nil {
					return err
				}
				if report.Failed > 0 {
					return fmt.Errorf("%d of %d rows failed", report.Failed, report.Failed+report.Applied)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "CSV file")
	return cmd
}

func printResults(v any, items []domain.ResultRecord) error {
	rows := make([]table.Row, 0, len(items))
	for _, r := range items {
		rows = append(rows, table.Row{r.ID, r.MetricID, deref(r.EntityID), deref(r.NumericValue), deref(r.OutcomeValueID), deref(r.Verdict), r.Skipped, r.Narrative})
	}
	return printTable(v, table.Row{"ID", "Metric", "Entity", "Value", "Outcome", "Verdict", "Skipped", "Narrative"}, rows)
}

func approvalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approval", Short: "Decide approval slots"}
	cmd.AddCommand(approvalListCmd())
	cmd.AddCommand(approvalApproveCmd())
	cmd.AddCommand(approvalRejectCmd())
	cmd.AddCommand(approvalVoidCmd())
	cmd.AddCommand(approvalHistoryCmd())
	return cmd
}

func approvalListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <cycle-id>",
		Short: "List approval slots of a cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnCycle(ctx, e, args[0], auth.PermCycleRead); err != nil {
					return err
				}
				items, err := e.ListSlots(ctx, args[0])
				if err != nil {
					return err
				}
				return printSlots(items, items)
			})
		},
	}
}

func approvalApproveCmd() *cobra.Command {
	var comments, evidence string
	cmd := &cobra.Command{
		Use:   "approve <slot-id>",
		Short: "Approve a slot; deciding for someone else needs --evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnSlot(ctx, e, args[0], auth.PermApprovalDecide); err != nil {
					return err
				}
				out, err := e.ApproveSlot(ctx, engine.ApproveSlotInput{SlotID: args[0], ActorID: actorID(), Comments: comments, Evidence: evidence})
				if err != nil {
					return err
				}
				return printSlotOutcome(out)
			})
		},
	}
	cmd.Flags().StringVar(&comments, "comments", "", "comments")
	cmd.Flags().StringVar(&evidence, "evidence", "", "delegation evidence for proxy approvals")
	return cmd
}

func approvalRejectCmd() *cobra.Command {
	var comments string
	cmd := &cobra.Command{
		Use:   "reject <slot-id>",
		Short: "Reject a slot and return the cycle to review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnSlot(ctx, e, args[0], auth.PermApprovalDecide); err != nil {
					return err
				}
				out, err := e.RejectSlot(ctx, engine.RejectSlotInput{SlotID: args[0], ActorID: actorID(), Comments: comments})
				if err != nil {
					return err
				}
				return printSlotOutcome(out)
			})
		},
	}
	cmd.Flags().StringVar(&comments, "comments", "", "why the cycle is rejected (required)")
	return cmd
}

func approvalVoidCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "void <slot-id>",
		Short: "Void a slot (administrators only, irreversible)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnSlot(ctx, e, args[0], auth.PermApprovalVoid); err != nil {
					return err
				}
				out, err := e.VoidSlot(ctx, engine.VoidSlotInput{SlotID: args[0], ActorID: actorID(), Reason: reason})
				if err != nil {
					return err
				}
				return printSlotOutcome(out)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason (required)")
	return cmd
}

func approvalHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <slot-id>",
		Short: "Decisions archived from earlier approval rounds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnSlot(ctx, e, args[0], auth.PermCycleRead); err != nil {
					return err
				}
				items, err := e.SlotHistory(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, d := range items {
					rows = append(rows, table.Row{d.Round, d.Status, d.Approver, d.IsProxy, d.DecidedAt, d.Comments})
				}
				return printTable(items, table.Row{"Round", "Status", "Approver", "Proxy", "Decided", "Comments"}, rows)
			})
		},
	}
}

func printSlots(v any, items []domain.ApprovalSlot) error {
	rows := make([]table.Row, 0, len(items))
	for _, s := range items {
		kind := s.ApprovalKind
		if s.Region != "" {
			kind += "/" + s.Region
		}
		status := string(s.Status)
		if s.Voided {
			status = "voided"
		}
		rows = append(rows, table.Row{s.ID, kind, s.NominalApprover, status, s.Approver, s.IsProxy})
	}
	return printTable(v, table.Row{"ID", "Kind", "Nominal", "Status", "Decided by", "Proxy"}, rows)
}

func printSlotOutcome(out engine.SlotOutcome) error {
	if viper.GetBool("json") {
		return printJSON(out)
	}
	if err := printSlots(out, []domain.ApprovalSlot{out.Slot}); err != nil {
		return err
	}
	fmt.Printf("Cycle %s is %s (%d/%d approved)\n", out.Cycle.ID, out.Cycle.Status, out.Cycle.Quorum.Approved, out.Cycle.Quorum.Required)
	return nil
}
