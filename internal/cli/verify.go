package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thruflo/memwatch/internal/memreport"
	"github.com/thruflo/memwatch/internal/procmem"
)

var (
	verifyInput       string
	verifyPID         int
	verifyMinHours    float64
	verifyWarmupHours float64
	verifyMaxSlope    float64
	verifyOOMLogs     []string
	verifyOOMMinHours float64
	verifyStrict      bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a memory CSV against the stability and OOM-free criteria",
	Long: `Reports whether RSS stabilised after --warmup-hours over a window of at
least --min-hours, and whether the --oom-log files are free of out-of-memory
markers over at least --oom-min-hours. Acceptance requires both, so without
--oom-log the criteria are never met.

With --strict, exits non-zero and lists the reasons when the criteria are not
met.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	defaults := memreport.DefaultAcceptanceOptions()
	verifyCmd.Flags().StringVar(&verifyInput, "input", procmem.DefaultOutput, "CSV path to verify")
	verifyCmd.Flags().IntVar(&verifyPID, "pid", 0, "only verify samples for this PID (0: all)")
	verifyCmd.Flags().Float64Var(&verifyMinHours, "min-hours", defaults.MinHours, "hours required for the stability check")
	verifyCmd.Flags().Float64Var(&verifyWarmupHours, "warmup-hours", defaults.WarmupHours, "hours excluded before the stability check")
	verifyCmd.Flags().Float64Var(&verifyMaxSlope, "max-slope-kb-per-hour", defaults.MaxSlopeKBPerHour, "largest post-warmup RSS slope treated as stable")
	verifyCmd.Flags().StringArrayVar(&verifyOOMLogs, "oom-log", nil, "log file to scan for OOM markers (repeatable)")
	verifyCmd.Flags().Float64Var(&verifyOOMMinHours, "oom-min-hours", defaults.OOMMinHours, "hours required for the OOM-free check")
	verifyCmd.Flags().BoolVar(&verifyStrict, "strict", false, "exit non-zero unless the criteria are met")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	samples, err := loadSamples(verifyInput, verifyPID)
	if err != nil {
		return err
	}

	status, err := memreport.EvaluateAcceptance(samples, memreport.AcceptanceOptions{
		MinHours:          verifyMinHours,
		WarmupHours:       verifyWarmupHours,
		MaxSlopeKBPerHour: verifyMaxSlope,
		OOMLogPaths:       verifyOOMLogs,
		OOMMinHours:       verifyOOMMinHours,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), memreport.RenderReport(status))

	if verifyStrict && !status.Met {
		return fmt.Errorf("acceptance check failed: %s", strings.Join(status.Failures(), "; "))
	}
	return nil
}
