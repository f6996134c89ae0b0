package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/tandem/internal/logsink"
	"github.com/benaskins/tandem/internal/runner"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- CMD [ARGS...]",
	Short: "Run a command to completion",
	Long: `Run a command through /bin/sh in its own process group, with its output
written to a log file. With --inactivity-timeout the command is torn down
once its log has been quiet for that long.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var (
	runCheckStatus bool
	runTimeout     time.Duration
	runLog         string
	runFollow      bool
	runName        string
)

func init() {
	runCmd.Flags().BoolVar(&runCheckStatus, "check", false, "Fail if the command exits non-zero")
	runCmd.Flags().DurationVar(&runTimeout, "inactivity-timeout", 0, "Tear the command down after its log is quiet this long")
	runCmd.Flags().StringVar(&runLog, "log", "", "Log file for the command's output (default: discard)")
	runCmd.Flags().BoolVar(&runFollow, "follow", false, "Copy the log to stdout while the command runs")
	runCmd.Flags().StringVar(&runName, "name", "command", "Name used in logs and errors")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if runFollow && runLog == "" {
		return fmt.Errorf("--follow needs --log")
	}

	ctx, stop := signalContext()
	defer stop()

	sink, err := logsink.Open(runLog)
	if err != nil {
		return err
	}
	defer sink.Close()
	if runTimeout > 0 && sink.Discarding() {
		return fmt.Errorf("--inactivity-timeout needs --log: a discarded log cannot be watched")
	}

	res, err := runFollowing(ctx, runFollow, sink, func() (runner.Result, error) {
		return runner.Run(ctx, runner.Command{
			Name:              runName,
			Command:           shellCommand(args),
			Sink:              sink,
			CheckStatus:       runCheckStatus,
			InactivityTimeout: runTimeout,
			Timeouts:          cfg.Timeouts(),
		})
	})
	if err != nil {
		return err
	}

	slog.Info("command finished", "command", runName, "exit_code", res.ExitCode, "duration", res.Duration.Round(time.Millisecond), "stalled", res.Stalled, "log", res.Log)
	return nil
}

// runFollowing runs fn, copying the sink to stdout meanwhile when follow is set.
func runFollowing(ctx context.Context, follow bool, sink *logsink.Sink, fn func() (runner.Result, error)) (runner.Result, error) {
	if !follow {
		return fn()
	}

	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := logsink.Follow(fctx, sink.Name(), os.Stdout); err != nil {
			slog.Warn("following log failed", "log", sink.Name(), "error", err)
		}
	}()

	res, err := fn()
	cancel()
	<-done
	return res, err
}
