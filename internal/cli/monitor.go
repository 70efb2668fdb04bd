package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/thruflo/memwatch/internal/procmem"
)

var (
	monitorPID             int
	monitorIntervalSeconds int
	monitorDurationSeconds int
	monitorMaxSamples      int
	monitorOutput          string
	monitorProcessName     string
)

// monitorSampler reads process memory. It can be overridden in tests.
var monitorSampler = procmem.Sample

// monitorFindPID resolves --process-name. It can be overridden in tests.
var monitorFindPID = procmem.FindPID

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Record process RSS/VMS to CSV",
	Long: `Samples VmRSS and VmSize of a process from /proc at a fixed interval and
appends rows of timestamp,rss_kb,vms_kb,pid to a CSV file. The header is
written only when the file is new.

--process-name selects the lowest pid whose command line contains the given
substring. An explicit --pid takes precedence.

Stops after --duration-seconds, after --max-samples rows, or on Ctrl+C.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().IntVar(&monitorPID, "pid", os.Getpid(), "process ID to monitor (default: this process)")
	monitorCmd.Flags().IntVar(&monitorIntervalSeconds, "interval-seconds", int(procmem.DefaultInterval/time.Second), "sampling interval in seconds")
	monitorCmd.Flags().IntVar(&monitorDurationSeconds, "duration-seconds", int(procmem.DefaultDuration/time.Second), "total sampling duration in seconds")
	monitorCmd.Flags().IntVar(&monitorMaxSamples, "max-samples", 0, "stop after this many samples (0: unlimited)")
	monitorCmd.Flags().StringVar(&monitorOutput, "output", procmem.DefaultOutput, "CSV output path")
	monitorCmd.Flags().StringVar(&monitorProcessName, "process-name", "", "monitor the lowest pid whose command line contains this substring")
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if monitorIntervalSeconds < 0 {
		return fmt.Errorf("--interval-seconds must not be negative")
	}
	if monitorDurationSeconds < 0 {
		return fmt.Errorf("--duration-seconds must not be negative")
	}

	pid := monitorPID
	if monitorProcessName != "" && !cmd.Flags().Changed("pid") {
		found, err := monitorFindPID(monitorProcessName)
		if err != nil {
			return err
		}
		pid = found
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := &procmem.Monitor{
		PID:        pid,
		Interval:   time.Duration(monitorIntervalSeconds) * time.Second,
		Duration:   time.Duration(monitorDurationSeconds) * time.Second,
		MaxSamples: monitorMaxSamples,
		Sampler:    monitorSampler,
	}

	n, err := m.RunFile(ctx, monitorOutput)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("monitor pid %d: %w", pid, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d samples to %s\n", n, monitorOutput)
	return nil
}
