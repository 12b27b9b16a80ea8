package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/subcommands"

	"github.com/ahmethakanbesel/pricefeed/internal/refresh"
	"github.com/ahmethakanbesel/pricefeed/internal/scheduler"
	"github.com/ahmethakanbesel/pricefeed/internal/server"
)

type serveCmd struct {
	port string
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "run the HTTP API with background refresh and SIP jobs" }
func (*serveCmd) Usage() string {
	return `pricefeed [-config <file>] serve [-port <port>]

  Serves the price, refresh-session, background and SIP endpoints. The
  background refresh starts automatically unless scheduler.auto_start is
  false. Daily SIP processing, failed-transaction cleanup and refresh
  session eviction run on their configured cron expressions.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.port, "port", "", "Listen port. Overrides the configured port.")
}

func (c *serveCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	a, err := openApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer a.Close()

	port := a.cfg.Port
	if c.port != "" {
		port = c.port
	}

	// Root context: cancelled on SIGINT/SIGTERM so refresh ticks, sessions
	// and in-flight upstream lookups stop promptly during shutdown.
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	sched := scheduler.New(rootCtx, a.fetcher, a.prices, scheduler.WithDefaultInterval(a.cfg.Scheduler.Interval))
	if a.cfg.Scheduler.AutoStart {
		if err := sched.Start(0); err != nil {
			slog.Error("failed to start background refresh", "error", err)
			return subcommands.ExitFailure
		}
	}

	sessions := refresh.New(rootCtx, a.fetcher, a.prices, a.cfg.Refresh)

	maint := scheduler.NewMaintenance(rootCtx)
	if err := c.scheduleJobs(maint, a, sessions); err != nil {
		slog.Error("failed to schedule maintenance jobs", "error", err)
		sched.Stop()
		sessions.Close()
		return subcommands.ExitFailure
	}
	maint.Start()

	srv := server.New(rootCtx, port, server.Deps{
		Prices:    a.prices,
		Fetcher:   a.fetcher,
		Scheduler: sched,
		Refresh:   sessions,
		SIP:       a.sip,
	})

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	slog.Info("server started", "port", port)
	status := subcommands.ExitSuccess
	select {
	case <-done:
	case err := <-serveErr:
		slog.Error("server error", "error", err)
		status = subcommands.ExitFailure
	}

	// Cancel root context first so in-flight work begins winding down.
	rootCancel()

	// Wait for background work to drain before shutting down HTTP.
	sched.Stop()
	maint.Stop()
	sessions.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
	return status
}

func (c *serveCmd) scheduleJobs(maint *scheduler.Maintenance, a *app, sessions *refresh.Manager) error {
	if err := maint.Add("sip-process", a.cfg.SIP.Cron, func(ctx context.Context) error {
		if _, err := a.sip.ProcessDueToday(ctx); err != nil {
			return err
		}
		_, err := a.sip.RetryFailedTransactions(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := maint.Add("sip-cleanup", a.cfg.SIP.CleanupCron, func(ctx context.Context) error {
		_, err := a.sip.CleanupOldFailedTransactions(ctx, 0)
		return err
	}); err != nil {
		return err
	}
	return maint.Add("session-sweep", a.cfg.SessionSweep, func(context.Context) error {
		sessions.CleanupOldRefreshes()
		return nil
	})
}
