package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/the-spy-project/spy/internal/config"
	"github.com/the-spy-project/spy/internal/database"
	"github.com/the-spy-project/spy/internal/http"
	"github.com/the-spy-project/spy/internal/pipeline"
	"github.com/the-spy-project/spy/internal/scheduler"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

var (
	cfg = config.New()

	rootCmd = &cobra.Command{
		Use:   "spy",
		Short: "Repository discovery and enrichment pipeline",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(); err != nil {
				return err
			}
			if dsn != "" {
				cfg.Set("DSN", dsn)
			}
			config.SetupLog(cfg)
			return nil
		},
	}
	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Run the API server and the stage scheduler",
		RunE:  runServer,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Database migrations",
	}
	upCmd = &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE:  runMigrateUp,
	}
	downCmd = &cobra.Command{
		Use:   "down",
		Short: "Revert all applied migrations",
		RunE:  runMigrateDown,
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print pipeline progress",
		RunE:  runStatus,
	}

	// Flags
	addr string
	dsn  string
)

func init() {
	serverCmd.Flags().StringVar(&addr, "addr", "", "Address to run the server on (host:port). If empty, uses HOST and PORT environment variables")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Database source name in the format driver://dataSourceName. Falls back to DSN environment variable")
	migrateCmd.AddCommand(upCmd, downCmd)
	rootCmd.AddCommand(serverCmd, migrateCmd, statusCmd)
	for _, stage := range pipeline.Stages {
		rootCmd.AddCommand(&cobra.Command{
			Use:   string(stage),
			Short: fmt.Sprintf("Run the %s stage once", stage),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStage(cmd, stage)
			},
		})
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	tel, err := config.SetupTelemetry(ctx, cfg)
	if err != nil {
		slog.Warn("Telemetry disabled", "error", err)
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		if err := tel.Shutdown(tctx); err != nil {
			slog.Error("Failed to flush telemetry", "error", err)
		}
	}()

	cs, err := pipeline.NewClientSetForConfig(ctx, cfg)
	if err != nil {
		return err
	}
	p := cs.Pipeline(cfg)
	srv := http.NewServerForClientSet(cs, p)

	sched, err := scheduler.NewForConfig(ctx, cfg, p)
	if err != nil {
		return errors.Join(err, srv.Close())
	}
	sched.Start()

	finalAddr := addr
	if finalAddr == "" {
		finalAddr = cfg.GetAddr()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(finalAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Server failed", "error", err)
		}
	case sig := <-quit:
		slog.Info("Shutting down server", "signal", sig.String())
	}

	// Interrupt running batches so they report "batch interrupted".
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}
	if err := sched.Stop(sctx); err != nil {
		slog.Error("Scheduler did not stop in time", "error", err)
	}
	if err := srv.Close(); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}
	slog.Info("Server stopped")
	return nil
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	mg, err := database.NewMigratorForConfig(cfg)
	if err != nil {
		return err
	}
	defer mg.Close()

	return mg.Up()
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	mg, err := database.NewMigratorForConfig(cfg)
	if err != nil {
		return err
	}
	defer mg.Close()

	return mg.Down()
}

func runStage(cmd *cobra.Command, stage pipeline.Stage) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cs, err := pipeline.NewClientSetForConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer cs.Close()

	res, err := cs.Pipeline(cfg).Run(ctx, stage)
	if err != nil {
		return err
	}
	if err := printJSON(cmd, res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s failed: %s", stage, res.Error)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cs, err := pipeline.NewClientSetForConfig(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer cs.Close()

	report := cs.Pipeline(cfg).Status(cmd.Context())
	if err := printJSON(cmd, report); err != nil {
		return err
	}
	if !report.Success {
		return errors.New(report.Error)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
