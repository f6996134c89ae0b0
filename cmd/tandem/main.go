package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/benaskins/tandem/internal/config"
	"github.com/benaskins/tandem/internal/driver"
	"github.com/benaskins/tandem/internal/logsink"
)

const logTailLines = 10

var rootCmd = &cobra.Command{
	Use:               "tandem",
	Short:             "Run commands alongside supervised background services",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

var (
	logLevel   string
	logFormat  string
	configPath string

	cfg *config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json (default: text on a terminal, json otherwise)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Config file")
}

func setup(cmd *cobra.Command, args []string) error {
	if err := configureLogging(logLevel, logFormat, os.Stderr); err != nil {
		return err
	}

	c, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg = c
	return nil
}

// exitCodeError ends the process with a specific status and no message.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		fmt.Fprintln(os.Stderr, errorStyle().Render("error:"), err)
		printLogTail(err)
		os.Exit(1)
	}
}

// printLogTail shows the end of the log of the service or command that failed.
func printLogTail(err error) {
	var log string
	var se *driver.StartupError
	var ce *driver.CommandError
	switch {
	case errors.As(err, &se):
		log = se.Log
	case errors.As(err, &ce):
		log = ce.Log
	}
	if log == "" || log == os.DevNull {
		return
	}

	lines, err := logsink.Tail(log, logTailLines)
	if err != nil || len(lines) == 0 {
		return
	}
	fmt.Fprintln(os.Stderr, mutedStyle().Render(fmt.Sprintf("--- last %d lines of %s", len(lines), log)))
	for _, l := range lines {
		fmt.Fprintln(os.Stderr, l)
	}
}
