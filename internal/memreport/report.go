// Package memreport summarises process memory samples recorded by procmem and
// flags RSS anomalies.
package memreport

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNoSamples is returned when there is nothing to summarise.
var ErrNoSamples = errors.New("no samples available to summarize")

// Anomaly reasons.
const (
	ReasonRSSSpike = "rss_spike"
	ReasonRSSJump  = "rss_jump"
)

// Sample is one CSV row.
type Sample struct {
	Timestamp time.Time
	RSSKB     int64
	VMSKB     int64
	PID       int
}

// Summary aggregates a set of samples.
type Summary struct {
	Count    int
	Duration time.Duration
	RSSMin   int64
	RSSAvg   float64
	RSSMax   int64
	VMSMin   int64
	VMSAvg   float64
	VMSMax   int64
}

// Anomaly is a sample that stands out. DeltaKB is set for jumps only.
type Anomaly struct {
	Sample  Sample
	Reason  string
	DeltaKB *int64
}

// AnomalyOptions tunes DetectAnomalies.
type AnomalyOptions struct {
	RSSSigma   float64
	DeltaSigma float64
	MinDeltaKB int64
}

// DefaultAnomalyOptions returns the standard thresholds.
func DefaultAnomalyOptions() AnomalyOptions {
	return AnomalyOptions{RSSSigma: 3, DeltaSigma: 3, MinDeltaKB: 1024}
}

var requiredColumns = []string{"timestamp", "rss_kb", "vms_kb", "pid"}

// LoadSamples reads CSV with a header row naming at least timestamp, rss_kb,
// vms_kb and pid. Blank lines are skipped.
func LoadSamples(r io.Reader) ([]Sample, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var samples []Sample
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read samples: %w", err)
		}
		line, _ := cr.FieldPos(0)

		get := func(name string) (string, error) {
			i := cols[name]
			if i >= len(record) {
				return "", fmt.Errorf("missing %s", name)
			}
			return strings.TrimSpace(record[i]), nil
		}

		s, err := parseSample(get)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func parseSample(get func(string) (string, error)) (Sample, error) {
	var s Sample

	ts, err := get("timestamp")
	if err != nil {
		return s, err
	}
	if s.Timestamp, err = ParseTimestamp(ts); err != nil {
		return s, err
	}

	for _, f := range []struct {
		name string
		dst  *int64
	}{{"rss_kb", &s.RSSKB}, {"vms_kb", &s.VMSKB}} {
		v, err := get(f.name)
		if err != nil {
			return s, err
		}
		if *f.dst, err = strconv.ParseInt(v, 10, 64); err != nil {
			return s, fmt.Errorf("invalid %s %q", f.name, v)
		}
	}

	v, err := get("pid")
	if err != nil {
		return s, err
	}
	if s.PID, err = strconv.Atoi(v); err != nil {
		return s, fmt.Errorf("invalid pid %q", v)
	}
	return s, nil
}

// ParseTimestamp accepts RFC 3339 timestamps with or without a zone. Values
// without a zone are taken as UTC.
func ParseTimestamp(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", v)
}

// FilterByPID keeps samples for pid. A pid of zero keeps everything.
func FilterByPID(samples []Sample, pid int) []Sample {
	if pid == 0 {
		return samples
	}
	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if s.PID == pid {
			out = append(out, s)
		}
	}
	return out
}

// Summarize computes min, mean and max RSS and VMS and the covered duration.
func Summarize(samples []Sample) (Summary, error) {
	if len(samples) == 0 {
		return Summary{}, ErrNoSamples
	}
	ordered := byTime(samples)

	sum := Summary{
		Count:    len(ordered),
		Duration: ordered[len(ordered)-1].Timestamp.Sub(ordered[0].Timestamp),
		RSSMin:   ordered[0].RSSKB,
		RSSMax:   ordered[0].RSSKB,
		VMSMin:   ordered[0].VMSKB,
		VMSMax:   ordered[0].VMSKB,
	}
	var rssTotal, vmsTotal float64
	for _, s := range ordered {
		sum.RSSMin = min(sum.RSSMin, s.RSSKB)
		sum.RSSMax = max(sum.RSSMax, s.RSSKB)
		sum.VMSMin = min(sum.VMSMin, s.VMSKB)
		sum.VMSMax = max(sum.VMSMax, s.VMSKB)
		rssTotal += float64(s.RSSKB)
		vmsTotal += float64(s.VMSKB)
	}
	sum.RSSAvg = rssTotal / float64(len(ordered))
	sum.VMSAvg = vmsTotal / float64(len(ordered))
	return sum, nil
}

// Point is an (x, y) pair for regression.
type Point struct {
	X, Y float64
}

// LinearRegressionSlope returns the least-squares slope of y over x. Fewer
// than two points, or all points sharing one x, give 0.
func LinearRegressionSlope(points []Point) float64 {
	if len(points) < 2 {
		return 0
	}
	var sumX, sumY float64
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
	}
	n := float64(len(points))
	meanX, meanY := sumX/n, sumY/n

	var num, den float64
	for _, p := range points {
		dx := p.X - meanX
		num += dx * (p.Y - meanY)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// RSSSlopeKBPerHour fits RSS against elapsed time and returns the trend in
// kB per hour.
func RSSSlopeKBPerHour(samples []Sample) float64 {
	if len(samples) < 2 {
		return 0
	}
	ordered := byTime(samples)
	start := ordered[0].Timestamp
	points := make([]Point, len(ordered))
	for i, s := range ordered {
		points[i] = Point{X: s.Timestamp.Sub(start).Seconds(), Y: float64(s.RSSKB)}
	}
	return LinearRegressionSlope(points) * 3600
}

// DetectAnomalies flags RSS spikes, samples at least RSSSigma population
// standard deviations above the mean, and RSS jumps, consecutive increases
// of at least MinDeltaKB that are also DeltaSigma deviations above the mean
// delta. Fewer than three samples yield nothing. Spikes are listed before
// jumps, each in time order.
func DetectAnomalies(samples []Sample, opts AnomalyOptions) []Anomaly {
	if len(samples) < 3 {
		return nil
	}
	ordered := byTime(samples)

	rss := make([]float64, len(ordered))
	for i, s := range ordered {
		rss[i] = float64(s.RSSKB)
	}
	deltas := make([]float64, len(ordered)-1)
	for i := 1; i < len(ordered); i++ {
		deltas[i-1] = float64(ordered[i].RSSKB - ordered[i-1].RSSKB)
	}

	var out []Anomaly

	rssMean, rssStdev := meanStdev(rss)
	if rssStdev > 0 {
		threshold := rssMean + opts.RSSSigma*rssStdev
		for _, s := range ordered {
			if float64(s.RSSKB) >= threshold {
				out = append(out, Anomaly{Sample: s, Reason: ReasonRSSSpike})
			}
		}
	}

	deltaMean, deltaStdev := meanStdev(deltas)
	if deltaStdev > 0 {
		threshold := deltaMean + opts.DeltaSigma*deltaStdev
		for i := 1; i < len(ordered); i++ {
			delta := ordered[i].RSSKB - ordered[i-1].RSSKB
			if delta >= opts.MinDeltaKB && float64(delta) >= threshold {
				out = append(out, Anomaly{Sample: ordered[i], Reason: ReasonRSSJump, DeltaKB: &delta})
			}
		}
	}
	return out
}

// meanStdev returns the mean and population standard deviation.
func meanStdev(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// FormatSummary renders a summary and slope as "key: value" lines.
func FormatSummary(s Summary, slopeKBPerHour float64) string {
	lines := []string{
		fmt.Sprintf("samples: %d", s.Count),
		fmt.Sprintf("duration_seconds: %d", int64(s.Duration.Seconds())),
		fmt.Sprintf("rss_kb: min=%d avg=%.1f max=%d", s.RSSMin, s.RSSAvg, s.RSSMax),
		fmt.Sprintf("vms_kb: min=%d avg=%.1f max=%d", s.VMSMin, s.VMSAvg, s.VMSMax),
		fmt.Sprintf("rss_slope_kb_per_hour: %.2f", slopeKBPerHour),
	}
	return strings.Join(lines, "\n")
}

// FormatAnomaly renders one anomaly line.
func FormatAnomaly(a Anomaly) string {
	delta := "n/a"
	if a.DeltaKB != nil {
		delta = strconv.FormatInt(*a.DeltaKB, 10)
	}
	return fmt.Sprintf("anomaly: timestamp=%s rss_kb=%d pid=%d reason=%s delta_kb=%s",
		a.Sample.Timestamp.Format(time.RFC3339), a.Sample.RSSKB, a.Sample.PID, a.Reason, delta)
}

// byTime returns a copy of samples sorted by timestamp.
func byTime(samples []Sample) []Sample {
	out := make([]Sample, len(samples))
	copy(out, samples)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
