package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/gapscan/internal/scheduler"
	"github.com/anstrom/gapscan/internal/session"
)

const watchStopTimeout = 30 * time.Second

var watchNow bool

var watchCmd = &cobra.Command{
	Use:   "watch <target>...",
	Short: "Rescan targets on a cron schedule",
	Long: `Run a scan session for every target on a schedule until interrupted.
Schedules use the five-field cron format or descriptors such as
"@every 6h" and "@daily". A run that is still going when its next tick
fires is skipped.`,
	Example: `  gapscan watch 192.0.2.10 192.0.2.11 --schedule "@every 1h"
  gapscan watch db01.example.net --schedule "0 3 * * *" --now --sinks json,sql`,
	Args: cobra.MinimumNArgs(1),
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		bindScanFlags(cmd)
		bindFlag("watch.schedule", cmd.Flags().Lookup("schedule"))
		return nil
	},
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	addScanFlags(watchCmd)
	watchCmd.Flags().String("schedule", "", "cron schedule (default from config, \"@every 6h\")")
	watchCmd.Flags().BoolVar(&watchNow, "now", false, "run every target once immediately")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := cmd.Context()
	stderr := cmd.ErrOrStderr()

	observers := []session.Observer{newConsoleObserver(stderr, verbose)}
	srv, stopServer, err := startServer(ctx, cfg.Server, logger)
	if err != nil {
		return err
	}
	defer stopServer()
	if srv != nil {
		observers = append(observers, srv.Hub())
	}

	// Deep inspection follows the config; there is no --skip-deep here.
	r, err := newRunner(ctx, cfg, logger, nil, false, observers...)
	if err != nil {
		return err
	}
	defer r.Close()

	sched := scheduler.New(r.runOnce, logger.WithComponent("scheduler").Logger)
	for _, target := range args {
		if _, err := sched.Add(target, cfg.Watch.Schedule); err != nil {
			return err
		}
	}
	if err := sched.Start(); err != nil {
		return err
	}
	logger.Info("Watching targets", "targets", len(args), "schedule", cfg.Watch.Schedule)

	if watchNow {
		for _, job := range sched.Jobs() {
			if err := sched.RunNow(job.ID); err != nil {
				logger.Warn("Immediate run failed to start", "target", job.Target, "error", err)
			}
		}
	}

	<-ctx.Done()
	logger.Info("Stopping watch", "reason", context.Cause(ctx))

	stopCtx, cancel := context.WithTimeout(context.Background(), watchStopTimeout)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		logger.Warn("Scheduled runs did not stop in time", "error", err)
	}
	return renderJobs(cmd.OutOrStdout(), sched.Jobs())
}

func renderJobs(w io.Writer, jobs []scheduler.JobStatus) error {
	table := tablewriter.NewWriter(w)
	table.Header("Target", "Schedule", "Runs", "Skipped", "Last run", "Last exit", "Last error")
	for _, j := range jobs {
		last := "-"
		if !j.LastRun.IsZero() {
			last = j.LastRun.Format(time.RFC3339)
		}
		if err := table.Append([]string{
			j.Target,
			j.Schedule,
			strconv.Itoa(j.Runs),
			strconv.Itoa(j.Skipped),
			last,
			strconv.Itoa(j.LastExit),
			j.LastErr,
		}); err != nil {
			return fmt.Errorf("render jobs: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render jobs: %w", err)
	}
	return nil
}
