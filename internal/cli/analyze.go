package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thruflo/memwatch/internal/memreport"
	"github.com/thruflo/memwatch/internal/procmem"
)

var (
	analyzeInput     string
	analyzePID       int
	analyzeAnomalies bool
	analyzeMinHours  float64
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Summarise a memory CSV recorded by monitor",
	Long: `Prints sample count, duration, RSS/VMS min/avg/max and the RSS trend in
kB per hour. With --anomalies, also lists RSS spikes and sudden jumps and
counts them per reason. --min-hours refuses to report on a shorter window.`,
	Args: cobra.NoArgs,
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeInput, "input", procmem.DefaultOutput, "CSV path to analyze")
	analyzeCmd.Flags().IntVar(&analyzePID, "pid", 0, "only analyze samples for this PID (0: all)")
	analyzeCmd.Flags().BoolVar(&analyzeAnomalies, "anomalies", false, "include detected RSS anomalies")
	analyzeCmd.Flags().Float64Var(&analyzeMinHours, "min-hours", 0, "fail unless the samples cover at least this many hours")
	rootCmd.AddCommand(analyzeCmd)
}

// errNoFilteredSamples is returned when the pid filter leaves nothing.
var errNoFilteredSamples = errors.New("no samples found for the requested filters")

// loadSamples reads the CSV at path and keeps the samples for pid (0: all).
func loadSamples(path string, pid int) ([]memreport.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open samples: %w", err)
	}
	defer f.Close()

	samples, err := memreport.LoadSamples(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load samples from %s: %w", path, err)
	}
	samples = memreport.FilterByPID(samples, pid)
	if len(samples) == 0 {
		return nil, errNoFilteredSamples
	}
	return samples, nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	samples, err := loadSamples(analyzeInput, analyzePID)
	if err != nil {
		return err
	}

	summary, err := memreport.Summarize(samples)
	if err != nil {
		return err
	}
	if analyzeMinHours > 0 {
		if _, err := memreport.EnsureMinDuration(samples, analyzeMinHours); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, memreport.FormatSummary(summary, memreport.RSSSlopeKBPerHour(samples)))

	if !analyzeAnomalies {
		return nil
	}
	anomalies := memreport.DetectAnomalies(samples, memreport.DefaultAnomalyOptions())
	if len(anomalies) == 0 {
		fmt.Fprintln(out, "anomalies: none")
		return nil
	}
	for _, a := range anomalies {
		fmt.Fprintln(out, memreport.FormatAnomaly(a))
	}
	fmt.Fprintln(out, memreport.FormatAnomalyCounts(anomalies))
	return nil
}
