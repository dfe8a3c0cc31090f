package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"portal-auth/internal/app"
	"portal-auth/internal/config"
	"portal-auth/internal/db"
	"portal-auth/internal/observability"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd(os.Getenv, os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(getenv config.Getenv, out io.Writer) *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:           "portal-auth",
		Short:         "Authentication service of the transparency portal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile == "" {
				return nil
			}
			// A missing file is normal outside local development.
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.SetOut(out)

	cmd.AddCommand(serveCmd(getenv), migrateCmd(getenv), checkEnvCmd(getenv))
	return cmd
}

func serveCmd(getenv config.Getenv) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, getenv, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func serve(ctx context.Context, getenv config.Getenv, migrate bool) error {
	logger := observability.NewLogger()

	rt, err := app.Build(ctx, app.Options{Getenv: getenv, Logger: logger, RunMigrations: migrate})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              ":" + rt.Config.Port,
		Handler:           rt.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_start", map[string]any{"addr": server.Addr})
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		_ = rt.Close(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("server_failed", map[string]any{"error": err.Error()})
		return err
	case <-ctx.Done():
	}

	logger.Info("server_shutdown", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownErr := server.Shutdown(shutdownCtx)
	closeErr := rt.Close(shutdownCtx)
	return errors.Join(shutdownErr, closeErr)
}

func migrateCmd(getenv config.Getenv) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(getenv)
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}

			database, err := db.Open(cmd.Context(), cfg.DatabaseURL, db.PoolOptions{
				MaxOpenConns:    cfg.DBMaxOpenConns,
				MaxIdleConns:    cfg.DBMaxIdleConns,
				ConnMaxLifetime: cfg.DBConnMaxLifetime,
			})
			if err != nil {
				return err
			}
			defer database.Close()

			applied, err := db.RunMigrations(cmd.Context(), database)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			for _, version := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", version)
			}
			return nil
		},
	}
}

func checkEnvCmd(getenv config.Getenv) *cobra.Command {
	return &cobra.Command{
		Use:   "check-env",
		Short: "Validate the configuration without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := config.Validate(config.Load(getenv), observability.NewLoggerTo(out))
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "environment: %s\n", cfg.Env)
			fmt.Fprintf(out, "activity sink: %s\n", cfg.ActivitySink)
			if cfg.DatabaseURL == "" {
				fmt.Fprintln(out, "store: memory")
			} else {
				fmt.Fprintln(out, "store: postgres")
			}
			if cfg.SecretGenerated {
				fmt.Fprintln(out, "jwt secret: ephemeral")
			} else {
				fmt.Fprintln(out, "jwt secret: configured")
			}
			fmt.Fprintln(out, "configuration ok")
			return nil
		},
	}
}
