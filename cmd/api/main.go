package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"creditgate/auth"
	"creditgate/config"
	"creditgate/db"
	"creditgate/migrations"
	"creditgate/telemetry"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "creditgate",
	Short:         "Consent and risk gating for credit actions",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(provisionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}

// loadConfig reads settings and builds the process logger.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(config.New(), configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, newLogger(cfg.Log), nil
}

func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the notification relay and the paused-plan sweeper",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is required to serve")
		}
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, version)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				logger.Warn("telemetry shutdown", slog.Any("error", err))
			}
		}()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      newServer(a).Routes(),
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("http listening", slog.String("addr", cfg.HTTP.Addr), slog.String("version", version))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			return ignoreCanceled(a.relay.Run(gctx))
		})
		g.Go(func() error {
			return ignoreCanceled(a.funding.RunSweeper(gctx, cfg.Funding.SweepEvery))
		})

		err = g.Wait()
		logger.Info("shut down")
		return err
	},
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		pool, err := db.NewPool(cmd.Context(), cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pool.Close()

		applied, err := migrations.Apply(cmd.Context(), pool)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			logger.Info("schema up to date")
			return nil
		}
		for _, name := range applied {
			logger.Info("migration applied", slog.String("name", name))
		}
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Re-evaluate due paused plans and drain the notification outbox once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.funding.SweepPaused(cmd.Context())
		if err != nil {
			return err
		}
		stats, err := a.relay.Drain(cmd.Context())
		if err != nil {
			return err
		}
		logger.Info("sweep finished", slog.Int("plans", n), slog.Any("outbox", stats))
		return nil
	},
}

var (
	provisionEmail    string
	provisionPassword string
	provisionName     string
	provisionRole     string
)

var provisionCmd = &cobra.Command{
	Use:   "provision-user",
	Short: "Create a user with an explicit role (reviewer, admin)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		user, err := a.auth.Provision(cmd.Context(), auth.ProvisionRequest{
			Email:    provisionEmail,
			Password: provisionPassword,
			FullName: provisionName,
			Role:     auth.Role(provisionRole),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", user.ID, user.Email, user.Role)
		return nil
	},
}

func init() {
	provisionCmd.Flags().StringVar(&provisionEmail, "email", "", "Account email")
	provisionCmd.Flags().StringVar(&provisionPassword, "password", "", "Initial password")
	provisionCmd.Flags().StringVar(&provisionName, "name", "", "Full name")
	provisionCmd.Flags().StringVar(&provisionRole, "role", string(auth.RoleReviewer), "Role: user, reviewer or admin")
	_ = provisionCmd.MarkFlagRequired("email")
	_ = provisionCmd.MarkFlagRequired("password")
	_ = provisionCmd.MarkFlagRequired("name")
}
