package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/benaskins/tandem/internal/group"
	"github.com/benaskins/tandem/internal/journal"
	"github.com/benaskins/tandem/internal/logsink"
	"github.com/benaskins/tandem/internal/runner"
	"github.com/benaskins/tandem/internal/spec"
)

var upCmd = &cobra.Command{
	Use:   "up -f group.yaml [flags] [-- CMD [ARGS...]]",
	Short: "Start a group of services around a command",
	Long: `Start every service of a group file in order, run CMD while they are up,
then tear them all down in reverse order. Without CMD the services stay up
until tandem is interrupted. Exits non-zero if any service fails to start,
CMD fails, or any service fails to stop.`,
	RunE: runUp,
}

var (
	upFile    string
	upLogDir  string
	upJournal bool
	upNoState bool
)

func init() {
	upCmd.Flags().StringVarP(&upFile, "file", "f", "tandem.yaml", "Group file")
	upCmd.Flags().StringVar(&upLogDir, "log-dir", "", "Directory for service logs (default: group log_dir, then config log_dir)")
	upCmd.Flags().BoolVar(&upJournal, "journal", false, "Record session events to journal.log in the log dir")
	upCmd.Flags().BoolVar(&upNoState, "no-state", false, "Do not record the session for `tandem reap`")
	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, args []string) error {
	g, err := spec.Load(upFile)
	if err != nil {
		return err
	}
	services, err := g.StartOrder()
	if err != nil {
		return err
	}
	for i := range services {
		if dir := services[i].WorkingDir; dir != "" && !filepath.IsAbs(dir) {
			services[i].WorkingDir = filepath.Join(g.Dir(), dir)
		}
	}

	logDir := upLogDir
	if logDir == "" {
		logDir = g.ResolveLogDir(cfg.ResolvedLogDir())
	}

	opts := []group.Option{
		group.WithLogDir(logDir),
		group.WithTimeouts(cfg.Timeouts()),
	}
	if !upNoState {
		opts = append(opts, group.WithStateDir(cfg.ResolvedStateDir()))
	}
	if upJournal || cfg.Journal {
		j, err := journal.Open(filepath.Join(logDir, journal.FileName))
		if err != nil {
			return err
		}
		defer j.Close()
		opts = append(opts, group.WithJournal(j))
	}

	ctx, stop := signalContext()
	defer stop()

	o := group.New(opts...)
	return o.Using(ctx, services, func(ctx context.Context, s *group.Session) error {
		for _, p := range s.Processes() {
			fmt.Printf("%s  %s %s\n", okStyle().Render("UP"), p.Name, mutedStyle().Render(fmt.Sprintf("(pid %d, log %s)", p.PID, p.Log)))
		}

		if len(args) == 0 {
			slog.Info("services up, waiting for interrupt", "session", s.ID())
			<-ctx.Done()
			return nil
		}
		return runInSession(ctx, logDir, args)
	})
}

// runInSession runs the caller's command with its output logged and
// followed to stdout.
func runInSession(ctx context.Context, logDir string, args []string) error {
	sink, err := logsink.Open(filepath.Join(logDir, "command.log"))
	if err != nil {
		return err
	}
	defer sink.Close()

	_, err = runFollowing(ctx, true, sink, func() (runner.Result, error) {
		return runner.Run(ctx, runner.Command{
			Name:        "command",
			Command:     shellCommand(args),
			Sink:        sink,
			CheckStatus: true,
			Timeouts:    cfg.Timeouts(),
		})
	})
	return err
}
