package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cyclegate/internal/app"
	"cyclegate/internal/config"
	"cyclegate/internal/engine"
	"cyclegate/internal/engine/auth"
	"cyclegate/internal/migrate"
	"cyclegate/internal/repo"
)

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "RBAC management"}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	var planID string
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show roles and permissions of the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.Auth.ActorRoles(ctx, nil, planID, actorID())
				if err != nil {
					return err
				}
				perms, err := e.Auth.ActorPermissions(ctx, nil, planID, actorID())
				if err != nil {
					return err
				}
				out := map[string]any{"actor_id": actorID(), "plan_id": planID, "roles": roles, "permissions": perms}
				return printJSONOrText(out, fmt.Sprintf("%s on %s\n  roles: %v\n  permissions: %v", actorID(), planID, roles, perms))
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "*", "plan id")
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role, planID string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Auth.RequireAdmin(ctx, nil, planID, actorID(), nil); err != nil {
					return err
				}
				if err := app.Grant(ctx, e.Repo, planID, target, role); err != nil {
					return err
				}
				return printJSONOrText(map[string]string{"actor": target, "role": role, "plan": planID},
					fmt.Sprintf("Granted %s to %s on %s", role, target, planID))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	cmd.Flags().StringVar(&planID, "plan", "*", "plan id, or * for every plan")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role, planID string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Auth.RequireAdmin(ctx, nil, planID, actorID(), nil); err != nil {
					return err
				}
				if err := app.Revoke(ctx, e.Repo, planID, target, role); err != nil {
					return err
				}
				return printJSONOrText(map[string]string{"actor": target, "role": role, "plan": planID},
					fmt.Sprintf("Revoked %s from %s on %s", role, target, planID))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	cmd.Flags().StringVar(&planID, "plan", "*", "plan id, or * for every plan")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyDeleteCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var owner, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the plaintext is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				owner = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if owner != actorID() {
					if err := e.Auth.RequireAdmin(ctx, nil, "*", actorID(), nil); err != nil {
						return err
					}
				}
				plain, key, err := e.Repo.IssueAPIKey(ctx, owner, name)
				if err != nil {
					return err
				}
				out := map[string]string{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain}
				return printJSONOrText(out, fmt.Sprintf("API key %s for %s:\n  %s", key.ID, key.ActorID, plain))
			})
		},
	}
	cmd.Flags().StringVar(&owner, "actor", "", "key owner (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if owner != actorID() {
					if err := e.Auth.RequireAdmin(ctx, nil, "*", actorID(), nil); err != nil {
						return err
					}
				}
				items, err := e.Repo.ListAPIKeys(ctx, owner)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, k := range items {
					rows = append(rows, table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				return printTable(items, table.Row{"ID", "Actor", "Name", "Created"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "actor", "", "filter by owner")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Auth.RequireAdmin(ctx, nil, "*", actorID(), nil); err != nil {
					return err
				}
				if err := e.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				return printJSONOrText(map[string]string{"deleted": args[0]}, "Deleted "+args[0])
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	var n int
	var cursor int64
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the event log, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var err error
				if f.CycleID != "" {
					err = requireOnCycle(ctx, e, f.CycleID, auth.PermEventsRead)
				} else {
					err = e.Auth.Require(ctx, nil, "*", actorID(), auth.PermEventsRead)
				}
				if err != nil {
					return err
				}
				items, err := e.Repo.LatestEventsFrom(ctx, n, cursor, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, evt := range items {
					rows = append(rows, table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID})
				}
				return printTable(items, table.Row{"ID", "TS", "Type", "Kind", "Entity", "Actor"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "only events older than this id")
	cmd.Flags().StringVar(&f.CycleID, "cycle", "", "cycle filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "db", Short: "Database maintenance"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and latest schema versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := migrate.CurrentStatus(ctx, a.DB)
				if err != nil {
					return err
				}
				return printJSONOrText(st, "schema version "+strconv.Itoa(st.Current)+" of "+strconv.Itoa(st.Latest))
			})
		},
	})
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var serviceID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default " + config.FileName,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(serviceID)), 0o644); err != nil {
				return err
			}
			return printJSONOrText(map[string]string{"path": path}, "Wrote "+path)
		},
	}
	cmd.Flags().StringVar(&serviceID, "service-id", app.DefaultServiceID, "service id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrText(map[string]any{"valid": true, "service": cfg.Service.ID}, "Config OK for "+cfg.Service.ID)
		},
	}
}
