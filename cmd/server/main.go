/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the cashback engine server, and hosts the
  operator commands that share its wiring.

STARTUP SEQUENCE:
  1. Load configuration (environment, optional .env)
  2. Open the store (SQLite or PostgreSQL)
  3. Connect optional services (RabbitMQ notifier, Redis event cache,
     payment gateway)
  4. Configure HTTP router and the expiry sweep
  5. Start server with graceful shutdown

COMMANDS:
  serve          HTTP API (default when no command is given)
  sweep          Expire overdue pending payments once
  verify         Replay a card ledger and compare with its balance
  rules import   Replace a tenant's rules from a JSON or YAML file
  issue          Issue a batch of cards

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweep, drain notifications, close the store
  4. Exit

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
*/
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
	"github.com/warp/cashback-engine/api"
)

var envDir string

func main() {
	rootCmd := &cobra.Command{
		Use:           "cashback",
		Short:         "Cashback engine - multi-tenant loyalty ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	rootCmd.PersistentFlags().StringVar(&envDir, "env-dir", ".", "directory holding an optional .env file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(issueCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the expiry sweep",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, envDir)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(a.engine, a.bridge, a.checkout, a.webhooks, a.logger)
	handler.Health = a.store.Ping
	router := api.NewRouter(handler, a.cfg.AllowedOrigins())

	sweep := api.NewExpiryScheduler(a.bridge, a.cfg.ExpirySweep, a.cfg.ExpirySweepLimit, a.logger)
	if err := sweep.Start(); err != nil {
		return fmt.Errorf("failed to schedule expiry sweep: %w", err)
	}
	defer sweep.Stop()

	server := &http.Server{
		Addr:         ":" + a.cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "addr", server.Addr, "driver", a.cfg.DatabaseDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}
