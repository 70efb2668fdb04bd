package memreport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// ErrInsufficientDuration is returned when samples cover less than the
// required window.
var ErrInsufficientDuration = errors.New("insufficient duration")

// OOMPatterns are the case-insensitive markers counted by ScanOOMLogs.
var OOMPatterns = []string{"oom", "out of memory", "out-of-memory", "outofmemory"}

// AcceptanceOptions are the thresholds of a memory acceptance check.
type AcceptanceOptions struct {
	MinHours          float64
	WarmupHours       float64
	MaxSlopeKBPerHour float64
	// OOMLogPaths are scanned for OOM markers. Empty skips the OOM check,
	// which then cannot pass.
	OOMLogPaths []string
	OOMMinHours float64
}

// DefaultAcceptanceOptions returns a 24 hour stability window after one hour
// of warmup, at most 5 kB/h of post-warmup RSS growth, and a 48 hour
// OOM-free window.
func DefaultAcceptanceOptions() AcceptanceOptions {
	return AcceptanceOptions{
		MinHours:          24,
		WarmupHours:       1,
		MaxSlopeKBPerHour: 5,
		OOMMinHours:       48,
	}
}

// AcceptanceStatus is the outcome of EvaluateAcceptance.
type AcceptanceStatus struct {
	WindowHours       float64
	StableReady       bool // window covers MinHours
	StableAfterWarmup bool
	PostWarmupSamples int
	PostWarmupSlope   float64

	OOMScanned     bool
	OOMReady       bool // window covers OOMMinHours
	OOMEventsTotal int
	OOMCheckPassed bool

	Met bool
}

// EnsureMinDuration returns the hours covered by samples, or an error
// wrapping ErrInsufficientDuration when that is less than minHours.
func EnsureMinDuration(samples []Sample, minHours float64) (float64, error) {
	summary, err := Summarize(samples)
	if err != nil {
		return 0, err
	}
	hours := summary.Duration.Hours()
	if hours < minHours {
		return hours, fmt.Errorf("%w: %.2fh < %.2fh minimum", ErrInsufficientDuration, hours, minHours)
	}
	return hours, nil
}

// CountAnomalyReasons tallies anomalies by reason.
func CountAnomalyReasons(anomalies []Anomaly) map[string]int {
	counts := make(map[string]int)
	for _, a := range anomalies {
		counts[a.Reason]++
	}
	return counts
}

// FormatAnomalyCounts renders the total and per-reason counts, reasons in
// name order.
func FormatAnomalyCounts(anomalies []Anomaly) string {
	counts := CountAnomalyReasons(anomalies)
	reasons := make([]string, 0, len(counts))
	for r := range counts {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)

	lines := []string{fmt.Sprintf("anomalies_total: %d", len(anomalies))}
	for _, r := range reasons {
		lines = append(lines, fmt.Sprintf("anomalies_%s: %d", r, counts[r]))
	}
	return strings.Join(lines, "\n")
}

// EvaluateStability fits the RSS trend of the samples taken at least
// warmupHours after the first one. Memory counts as stable when at least two
// such samples exist and the slope is at most maxSlopeKBPerHour.
func EvaluateStability(samples []Sample, warmupHours, maxSlopeKBPerHour float64) (stable bool, slope float64, count int) {
	if len(samples) == 0 {
		return false, 0, 0
	}
	ordered := byTime(samples)
	cutoff := ordered[0].Timestamp.Add(time.Duration(warmupHours * float64(time.Hour)))

	var post []Sample
	for _, s := range ordered {
		if !s.Timestamp.Before(cutoff) {
			post = append(post, s)
		}
	}
	slope = RSSSlopeKBPerHour(post)
	return len(post) >= 2 && slope <= maxSlopeKBPerHour, slope, len(post)
}

// ScanOOMLogs counts, per path, the lines containing any of OOMPatterns.
// Every path must be an existing regular file.
func ScanOOMLogs(paths []string) (map[string]int, error) {
	counts := make(map[string]int, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("OOM log path does not exist: %s: %w", path, err)
			}
			return nil, fmt.Errorf("failed to stat OOM log %s: %w", path, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("OOM log path is a directory, expected a file: %s", path)
		}

		n, err := countOOMLines(path)
		if err != nil {
			return nil, err
		}
		counts[path] = n
	}
	return counts, nil
}

func countOOMLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open OOM log: %w", err)
	}
	defer f.Close()

	matches := 0
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if line != "" && containsOOMMarker(strings.ToLower(line)) {
			matches++
		}
		if errors.Is(err, io.EOF) {
			return matches, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read OOM log %s: %w", path, err)
		}
	}
}

func containsOOMMarker(lowered string) bool {
	for _, p := range OOMPatterns {
		if strings.Contains(lowered, p) {
			return true
		}
	}
	return false
}

// EvaluateAcceptance checks that memory stabilised after warmup over a long
// enough window and, when logs are given, that no OOM was logged over the
// OOM window. Acceptance requires both.
func EvaluateAcceptance(samples []Sample, opts AcceptanceOptions) (AcceptanceStatus, error) {
	summary, err := Summarize(samples)
	if err != nil {
		return AcceptanceStatus{}, err
	}

	var st AcceptanceStatus
	st.WindowHours = summary.Duration.Hours()
	stable, slope, count := EvaluateStability(samples, opts.WarmupHours, opts.MaxSlopeKBPerHour)
	st.StableReady = st.WindowHours >= opts.MinHours
	st.StableAfterWarmup = st.StableReady && stable
	st.PostWarmupSlope, st.PostWarmupSamples = slope, count

	if len(opts.OOMLogPaths) > 0 {
		counts, err := ScanOOMLogs(opts.OOMLogPaths)
		if err != nil {
			return AcceptanceStatus{}, err
		}
		for _, n := range counts {
			st.OOMEventsTotal += n
		}
		st.OOMScanned = true
		st.OOMReady = st.WindowHours >= opts.OOMMinHours
		st.OOMCheckPassed = st.OOMReady && st.OOMEventsTotal == 0
	}

	st.Met = st.StableAfterWarmup && st.OOMScanned && st.OOMCheckPassed
	return st, nil
}

// Failures lists why an acceptance check was not met, for strict mode.
func (st AcceptanceStatus) Failures() []string {
	var out []string
	if !st.StableReady {
		out = append(out, "insufficient duration for 24-hour stability")
	}
	if !st.StableAfterWarmup {
		out = append(out, "memory did not stabilize after warmup")
	}
	switch {
	case !st.OOMScanned:
		out = append(out, "no OOM logs provided")
	case !st.OOMReady:
		out = append(out, "insufficient duration for 48-hour OOM scan")
	case !st.OOMCheckPassed:
		out = append(out, "OOM events detected")
	}
	return out
}

// RenderReport renders an acceptance status as a markdown titled list of
// "key: value" lines. OOM fields read "skipped" when no logs were scanned.
func RenderReport(st AcceptanceStatus) string {
	optional := func(v bool) string {
		if !st.OOMScanned {
			return "skipped"
		}
		return fmt.Sprintf("%t", v)
	}
	lines := []string{
		"# Memory Acceptance Check",
		fmt.Sprintf("window_hours: %.2f", st.WindowHours),
		fmt.Sprintf("stable_ready_24h: %t", st.StableReady),
		fmt.Sprintf("post_warmup_samples: %d", st.PostWarmupSamples),
		fmt.Sprintf("post_warmup_rss_slope_kb_per_hour: %.2f", st.PostWarmupSlope),
		fmt.Sprintf("stable_after_warmup: %t", st.StableAfterWarmup),
		fmt.Sprintf("oom_ready_48h: %s", optional(st.OOMReady)),
		fmt.Sprintf("oom_events_total: %d", st.OOMEventsTotal),
		fmt.Sprintf("oom_check_passed: %s", optional(st.OOMCheckPassed)),
		fmt.Sprintf("acceptance_criteria_met: %t", st.Met),
	}
	return strings.Join(lines, "\n")
}
