package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cyclegate/internal/app"
	"cyclegate/internal/config"
	"cyclegate/internal/db"
	"cyclegate/internal/domain"
	"cyclegate/internal/engine"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "cg",
	Short: "Cyclegate CLI",
	Long: `Cyclegate runs periodic monitoring cycles for monitoring plans.
Core concepts:
- Plan: a set of metric definitions, the entities they may be measured for, and the approvers who sign off.
- Cycle: one reporting period; moves pending -> data_collection -> under_review -> pending_approval -> approved (on_hold and cancelled are side exits).
- Snapshot: the metric definitions locked when a cycle starts; later plan edits do not touch running cycles.
- Result: one recorded value per metric (and entity); its verdict GREEN/YELLOW/RED is always computed, never typed in.
- Breach: a RED result without a narrative; approval cannot be requested while any remain.
- Approval slot: one required sign-off; the cycle is approved when every non-voided required slot is approved.
- Event log: every mutation, view with 'cg events'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CYCLEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(resultCmd())
	rootCmd.AddCommand(breachesCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorID() string {
	return viper.GetString("actor-id")
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Bootstrap(ctx, app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

// requireOnCycle checks perm for the current actor on the cycle's plan.
func requireOnCycle(ctx context.Context, e engine.Engine, cycleID, perm string) error {
	view, err := e.GetCycle(ctx, cycleID)
	if err != nil {
		return err
	}
	return e.Auth.Require(ctx, nil, view.PlanID, actorID(), perm)
}

func requireOnResult(ctx context.Context, e engine.Engine, resultID, perm string) error {
	rec, err := e.GetResult(ctx, resultID)
	if err != nil {
		return err
	}
	return requireOnCycle(ctx, e, rec.CycleID, perm)
}

func requireOnSlot(ctx context.Context, e engine.Engine, slotID, perm string) error {
	slot, err := e.GetSlot(ctx, slotID)
	if err != nil {
		return err
	}
	return requireOnCycle(ctx, e, slot.CycleID, perm)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows with go-pretty unless --json is set, in which case
// v is printed instead.
func printTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.SetStyle(table.StyleLight)
	tw.Render()
	return nil
}

func printJSONOrText(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	name := cfg.Level
	if env := viper.GetString("log-level"); env != "" {
		name = env
	}
	level := slog.LevelInfo
	switch strings.ToLower(name) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func formatThresholds(t domain.Thresholds) string {
	if !t.Configured() {
		return "-"
	}
	var parts []string
	for _, b := range []struct {
		name string
		v    *float64
	}{{"yellow_min", t.YellowMin}, {"yellow_max", t.YellowMax}, {"red_min", t.RedMin}, {"red_max", t.RedMax}} {
		if b.v != nil {
			parts = append(parts, fmt.Sprintf("%s=%s", b.name, strconv.FormatFloat(*b.v, 'f', -1, 64)))
		}
	}
	return strings.Join(parts, " ")
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref[T any](p *T) any {
	if p == nil {
		return ""
	}
	return *p
}
