package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
)

func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ioloopctl",
	Short: "Drive pkg/ioloop sources from the command line",
	Long: `ioloopctl exercises the epoll-based event loop in pkg/ioloop without
writing Go:

- exec  runs a child process through ioprocess, capturing its stdout/stderr
  line by line and enforcing an optional watchdog timeout.
- watch registers a periodic timer and a signal source on a single Monitor
  and reports every tick and signal until interrupted.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(watchCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
}
