package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"cyclegate/internal/app"
	"cyclegate/internal/config"
	"cyclegate/internal/server"
	"cyclegate/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, enableDevLogin bool
	var notifyInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the API and, when webhooks or redis are configured, forwards new events to them. The JWT secret comes from CYCLEGATE_JWT_SECRET.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOrDefault(workspace, app.DefaultServiceID)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log)
			if err := telemetry.Init(ctx, cfg.Telemetry, version); err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				telemetry.Shutdown(shutdownCtx)
			}()

			a, err := app.Bootstrap(ctx, app.Options{Workspace: workspace, Config: cfg})
			if err != nil {
				return err
			}
			defer a.Close()

			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: allowActorHeader,
				EnableDevLogin:         enableDevLogin,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("CYCLEGATE_JWT_SECRET is required unless --allow-actor-header is set")
			}
			if basePath == "" {
				basePath = cfg.Service.BasePath
			}
			if basePath == "" {
				basePath = "/v1"
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}

			sinks, closeSinks, err := server.SinksFromConfig(cfg)
			if err != nil {
				return err
			}
			defer closeSinks()
			dispatcher := &server.Dispatcher{
				Repo:     a.Engine.Repo,
				Service:  cfg.Service.ID,
				Sinks:    sinks,
				Logger:   logger,
				Interval: notifyInterval,
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("serving cyclegate API", "addr", addr, "base_path", basePath, "sinks", len(sinks))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				err := dispatcher.Run(gctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to service.base_path)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id without a credential (local use only)")
	cmd.Flags().BoolVar(&enableDevLogin, "enable-dev-login", false, "serve /auth/dev/login (local use only)")
	cmd.Flags().DurationVar(&notifyInterval, "notify-interval", 2*time.Second, "event notification poll interval")
	cmd.Flags().String("jwt-secret", "", "HMAC secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
