package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/casevault/internal/api"
	"github.com/wesm/casevault/internal/notify"
	"github.com/wesm/casevault/internal/scheduler"
)

// dispatchJobName is the scheduler job that drains the label event outbox.
const dispatchJobName = "dispatch:events"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with scheduled relabelling and event delivery",
	Long: `Run casevault as a long-running daemon.

The daemon runs in the foreground and performs:
  - HTTP API server on configured port (default: 8080)
  - Scheduled relabel of each configured organization's recent messages
  - Delivery of label change events to the configured webhook

Configure schedules in config.toml:
  [[orgs]]
  id = 1
  name = "Helpdesk"
  relabel_schedule = "0 2 * * *"   # 2am daily (cron format)
  enabled = true

  [notifications]
  schedule = "* * * * *"
  webhook_url = "https://hooks.example.org/casevault"

Cron format: minute hour day-of-month month day-of-week

Use Ctrl+C to stop the daemon gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// newSender returns the webhook sender, or a logging sender when no
// webhook is configured.
func newSender() (notify.Sender, error) {
	nc := cfg.Notifications
	if nc.WebhookURL == "" {
		return notify.LogSender{Logger: logger}, nil
	}
	return notify.NewWebhook(notify.WebhookConfig{
		URL:           nc.WebhookURL,
		APIKey:        nc.WebhookKey,
		AllowInsecure: nc.AllowInsecure,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	// Validate security posture before doing any work
	if err := cfg.Server.ValidateSecure(); err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	svc := newServices(s)

	sender, err := newSender()
	if err != nil {
		return fmt.Errorf("notifications: %w", err)
	}
	dispatcher := notify.NewDispatcher(s, sender).
		WithBatchSize(cfg.Notifications.BatchSize).
		WithLogger(logger)

	sched := scheduler.New().WithLogger(logger)

	count, errs := sched.AddOrgsFromConfig(cfg, func(ctx context.Context, orgID int64) error {
		_, err := svc.labeller.Resync(ctx, orgID, time.Now().Add(-cfg.ResyncWindow()))
		return err
	})
	for _, err := range errs {
		logger.Error("failed to schedule organization", "error", err)
	}

	err = sched.AddJob(dispatchJobName, scheduler.KindDispatch, cfg.Notifications.Schedule, func(ctx context.Context) error {
		_, err := dispatcher.Run(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("schedule event dispatch: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sched.Start()

	apiServer := api.NewServer(cfg, api.Services{
		Store:     s,
		Search:    svc.search,
		Actions:   svc.actions,
		Labeller:  svc.labeller,
		Scheduler: sched,
	}, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "casevault daemon started\n")
	fmt.Fprintf(out, "  API server: http://%s\n", net.JoinHostPort(cfg.Server.BindAddr, strconv.Itoa(cfg.Server.APIPort)))
	fmt.Fprintf(out, "  Scheduled organizations: %d\n", count)
	fmt.Fprintf(out, "  Data directory: %s\n", cfg.Data.DataDir)
	fmt.Fprintln(out)
	for _, status := range sched.Status() {
		fmt.Fprintf(out, "  %s: next run at %s\n", status.Name, status.NextRun.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Press Ctrl+C to stop.")

	// main's signal context cancels cmd.Context on SIGINT and SIGTERM.
	select {
	case err := <-serverErr:
		logger.Error("API server error", "error", err)
		fmt.Fprintf(out, "\nAPI server error: %v\n", err)
	case <-ctx.Done():
		logger.Info("shutdown requested")
		fmt.Fprintln(out, "\nShutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}

	fmt.Fprintln(out, "Waiting for running jobs to complete...")
	select {
	case <-sched.Stop().Done():
		fmt.Fprintln(out, "Shutdown complete.")
	case <-time.After(30 * time.Second):
		fmt.Fprintln(out, "Shutdown timed out after 30 seconds.")
	}

	// Deliver whatever the final jobs queued.
	if _, err := dispatcher.Run(shutdownCtx); err != nil {
		logger.Warn("final event dispatch failed", "error", err)
	}
	return nil
}
