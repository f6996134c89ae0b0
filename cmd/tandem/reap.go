package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/benaskins/tandem/internal/driver"
	"github.com/benaskins/tandem/internal/group"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Stop services left behind by sessions that did not tear down",
	Long: `Read the session state files in the state dir, stop every recorded
service that is still the same process, and remove the files. A pid that has
since been reused by another process is never signalled.`,
	Args: cobra.NoArgs,
	RunE: runReap,
}

func init() {
	rootCmd.AddCommand(reapCmd)
}

func runReap(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	dir := cfg.ResolvedStateDir()
	if dir == "" {
		return fmt.Errorf("no state dir configured")
	}

	reaped, err := group.Reap(ctx, dir, cfg.GraceOr(driver.DefaultGracePeriod), nil)
	for _, r := range reaped {
		switch {
		case !r.Alive:
			fmt.Printf("%s  %s %s\n", mutedStyle().Render("GONE"), r.Service, mutedStyle().Render(fmt.Sprintf("(pid %d, session %s)", r.PID, r.Session)))
		case r.Err != nil:
			fmt.Printf("%s  %s (pid %d): %v\n", errorStyle().Render("FAIL"), r.Service, r.PID, r.Err)
		default:
			fmt.Printf("%s  %s %s\n", okStyle().Render("REAP"), r.Service, mutedStyle().Render(fmt.Sprintf("(pid %d, session %s)", r.PID, r.Session)))
		}
	}
	if len(reaped) == 0 && err == nil {
		fmt.Println("nothing to reap")
	}
	return err
}
