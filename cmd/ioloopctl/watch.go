package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/srg/ioloop/pkg/ioloop"
	"github.com/srg/ioloop/pkg/ioloop/iosrc"
)

var (
	watchInterval time.Duration
	watchCount    int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tick a timer source on a Monitor until interrupted",
	Long: `Registers a periodic Timer source and a Signal source (SIGINT,
SIGTERM) on one Monitor and reports every tick until --count ticks have
fired or the process is interrupted.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVarP(&watchInterval, "interval", "i", time.Second, "Tick interval")
	watchCmd.Flags().IntVarP(&watchCount, "count", "c", 0, "Stop after this many ticks (0 runs until interrupted)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	mon, err := ioloop.NewMonitor(logger)
	if err != nil {
		return fmt.Errorf("creating monitor: %w", err)
	}
	defer mon.Close()

	tickTag := color.New(color.FgCyan).SprintFunc()
	ticks := 0
	stop := false

	timer, err := iosrc.NewTimer("watch.timer", watchInterval, watchInterval, func(_ *iosrc.Timer, expirations uint64) {
		ticks++
		fmt.Printf("%s tick %d (expirations=%d)\n", tickTag("[watch]"), ticks, expirations)
		if watchCount > 0 && ticks >= watchCount {
			stop = true
		}
	})
	if err != nil {
		return fmt.Errorf("creating timer: %w", err)
	}
	defer timer.Close()

	sig, err := iosrc.NewSignal("watch.signal", func(_ *iosrc.Signal, info *unix.SignalfdSiginfo) {
		fmt.Printf("%s received signal %d, stopping\n", tickTag("[watch]"), info.Signo)
		stop = true
	}, unix.SIGINT, unix.SIGTERM)
	if err != nil {
		return fmt.Errorf("creating signal source: %w", err)
	}
	defer sig.Close()

	if err := mon.AddSources(&timer.Source, &sig.Source); err != nil {
		return fmt.Errorf("registering sources: %w", err)
	}
	defer mon.RemoveSources(&timer.Source, &sig.Source)

	for !stop {
		if err := mon.Poll(-1); err != nil {
			return fmt.Errorf("poll: %w", err)
		}
	}
	return nil
}
