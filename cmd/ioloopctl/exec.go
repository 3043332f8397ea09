package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/srg/ioloop/internal/pidwatch"
	"github.com/srg/ioloop/pkg/ioloop/ioprocess"
)

var (
	execTimeout  time.Duration
	execSigName  string
	execCombined bool
)

var execCmd = &cobra.Command{
	Use:   "exec -- <command> [args...]",
	Short: "Run a command through ioprocess, streaming its output",
	Long: `Runs a command as a child process registered on a private ioloop
Monitor, printing each captured stdout/stderr line as it arrives. With
--timeout, a watchdog timer sends a signal (SIGKILL by default) if the
process is still running once the timeout elapses.

Example:
  ioloopctl exec --timeout 5s -- sleep 30`,
	Args:               cobra.MinimumNArgs(1),
	DisableFlagParsing: false,
	RunE:               runExec,
}

var signalsByName = map[string]unix.Signal{
	"SIGTERM": unix.SIGTERM,
	"SIGKILL": unix.SIGKILL,
	"SIGINT":  unix.SIGINT,
	"SIGHUP":  unix.SIGHUP,
	"SIGQUIT": unix.SIGQUIT,
}

func init() {
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "Kill the process if it outlives this duration (0 disables the watchdog)")
	execCmd.Flags().StringVar(&execSigName, "signal", "SIGKILL", "Signal sent by the watchdog timeout (SIGTERM, SIGKILL, SIGINT, SIGHUP, SIGQUIT)")
	execCmd.Flags().BoolVar(&execCombined, "combined", false, "Interleave stdout and stderr on the same stream instead of color-tagging them")
}

func runExec(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	signum, ok := signalsByName[execSigName]
	if !ok {
		return fmt.Errorf("unknown signal %q", execSigName)
	}

	var exitEvent pidwatch.ExitEvent
	proc, err := ioprocess.New(logger, func(_ *ioprocess.Process, _ int, ev pidwatch.ExitEvent) {
		exitEvent = ev
	}, args...)
	if err != nil {
		return fmt.Errorf("creating process source: %w", err)
	}

	stdoutTag := color.New(color.FgGreen).SprintFunc()
	stderrTag := color.New(color.FgRed).SprintFunc()
	if execCombined {
		stdoutTag = func(a ...interface{}) string { return fmt.Sprint(a...) }
		stderrTag = stdoutTag
	}

	printLine := func(_ *ioprocess.Process, stream ioprocess.StreamKind, line []byte) {
		if stream == ioprocess.Stdout {
			fmt.Printf("%s %s\n", stdoutTag("out|"), line)
		} else {
			fmt.Printf("%s %s\n", stderrTag("err|"), line)
		}
	}

	if err := proc.SetStdoutSeparatorSource(printLine, '\n', ioprocess.NoSecondSeparator); err != nil {
		return fmt.Errorf("wiring stdout: %w", err)
	}
	if err := proc.SetStderrSeparatorSource(printLine, '\n', ioprocess.NoSecondSeparator); err != nil {
		return fmt.Errorf("wiring stderr: %w", err)
	}
	if execTimeout > 0 {
		if err := proc.SetTimeout(execTimeout, signum); err != nil {
			return fmt.Errorf("wiring watchdog: %w", err)
		}
	}

	if err := proc.LaunchAndWait(); err != nil {
		return fmt.Errorf("running %v: %w", args, err)
	}

	if exitEvent.ExitSignal != 0 {
		return fmt.Errorf("%s killed by signal %d", args[0], exitEvent.ExitSignal)
	}
	if exitEvent.ExitCode != 0 {
		return fmt.Errorf("%s exited with status %d", args[0], exitEvent.ExitCode)
	}
	return nil
}
