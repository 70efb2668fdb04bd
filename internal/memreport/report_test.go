package memreport

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// series builds one sample per minute for pid 7 with the given RSS values.
func series(rss ...int64) []Sample {
	out := make([]Sample, len(rss))
	for i, v := range rss {
		out[i] = Sample{Timestamp: t0.Add(time.Duration(i) * time.Minute), RSSKB: v, VMSKB: 4 * v, PID: 7}
	}
	return out
}

func TestLoadSamples(t *testing.T) {
	t.Parallel()

	input := "timestamp,rss_kb,vms_kb,pid\n" +
		"2024-01-01T00:00:00Z,100,1000,7\n" +
		"\n" +
		"2024-01-01T00:01:00,200,2000,8\n"

	samples, err := LoadSamples(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, Sample{Timestamp: t0, RSSKB: 100, VMSKB: 1000, PID: 7}, samples[0])
	assert.True(t, samples[1].Timestamp.Equal(t0.Add(time.Minute)))
	assert.Equal(t, 8, samples[1].PID)
}

func TestLoadSamples_ColumnOrder(t *testing.T) {
	t.Parallel()

	input := "pid,vms_kb,rss_kb,timestamp\n7,1000,100,2024-01-01T00:00:00Z\n"
	samples, err := LoadSamples(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, int64(100), samples[0].RSSKB)
	assert.Equal(t, int64(1000), samples[0].VMSKB)
}

func TestLoadSamples_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "missing column", input: "timestamp,rss_kb,pid\n", wantErr: `missing column "vms_kb"`},
		{name: "bad rss", input: "timestamp,rss_kb,vms_kb,pid\n2024-01-01T00:00:00Z,lots,1,7\n", wantErr: `line 2: invalid rss_kb "lots"`},
		{name: "bad timestamp", input: "timestamp,rss_kb,vms_kb,pid\nyesterday,1,1,7\n", wantErr: `invalid timestamp "yesterday"`},
		{name: "short row", input: "timestamp,rss_kb,vms_kb,pid\n2024-01-01T00:00:00Z,1\n", wantErr: "missing vms_kb"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadSamples(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadSamples_Empty(t *testing.T) {
	t.Parallel()

	samples, err := LoadSamples(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestFilterByPID(t *testing.T) {
	t.Parallel()

	samples := []Sample{{PID: 1}, {PID: 2}, {PID: 1}}
	assert.Len(t, FilterByPID(samples, 1), 2)
	assert.Len(t, FilterByPID(samples, 2), 1)
	assert.Empty(t, FilterByPID(samples, 3))
	assert.Len(t, FilterByPID(samples, 0), 3)
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	samples := []Sample{
		{Timestamp: t0.Add(2 * time.Minute), RSSKB: 300, VMSKB: 3000, PID: 7},
		{Timestamp: t0, RSSKB: 100, VMSKB: 1000, PID: 7},
		{Timestamp: t0.Add(time.Minute), RSSKB: 200, VMSKB: 2000, PID: 7},
	}

	sum, err := Summarize(samples)
	require.NoError(t, err)
	assert.Equal(t, Summary{
		Count:    3,
		Duration: 2 * time.Minute,
		RSSMin:   100, RSSAvg: 200, RSSMax: 300,
		VMSMin: 1000, VMSAvg: 2000, VMSMax: 3000,
	}, sum)

	slope := RSSSlopeKBPerHour(samples)
	assert.InDelta(t, 6000, slope, 1e-6)

	want := "samples: 3\n" +
		"duration_seconds: 120\n" +
		"rss_kb: min=100 avg=200.0 max=300\n" +
		"vms_kb: min=1000 avg=2000.0 max=3000\n" +
		"rss_slope_kb_per_hour: 6000.00"
	assert.Equal(t, want, FormatSummary(sum, slope))

	// Input order is left untouched.
	assert.Equal(t, int64(300), samples[0].RSSKB)
}

func TestSummarize_Empty(t *testing.T) {
	t.Parallel()

	_, err := Summarize(nil)
	assert.ErrorIs(t, err, ErrNoSamples)
}

func TestLinearRegressionSlope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		points []Point
		want   float64
	}{
		{name: "empty", points: nil, want: 0},
		{name: "single point", points: []Point{{1, 1}}, want: 0},
		{name: "identical x", points: []Point{{1, 1}, {1, 5}}, want: 0},
		{name: "perfect line", points: []Point{{0, 1}, {1, 3}, {2, 5}}, want: 2},
		{name: "decreasing", points: []Point{{0, 10}, {5, 0}}, want: -2},
		{name: "noisy", points: []Point{{0, 0}, {1, 2}, {2, 1}, {3, 3}}, want: 0.8},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, LinearRegressionSlope(tt.points), 1e-9)
		})
	}
}

func TestRSSSlopeKBPerHour_TooFewSamples(t *testing.T) {
	t.Parallel()

	assert.Zero(t, RSSSlopeKBPerHour(nil))
	assert.Zero(t, RSSSlopeKBPerHour(series(100)))
}

// spikeSeries is 20 samples at 1000 kB with one outlier at index 10.
func spikeSeries(outlier int64) []Sample {
	rss := make([]int64, 20)
	for i := range rss {
		rss[i] = 1000
	}
	rss[10] = outlier
	return series(rss...)
}

func TestDetectAnomalies(t *testing.T) {
	t.Parallel()

	samples := spikeSeries(101000)
	anomalies := DetectAnomalies(samples, DefaultAnomalyOptions())
	require.Len(t, anomalies, 2)

	assert.Equal(t, ReasonRSSSpike, anomalies[0].Reason)
	assert.Equal(t, samples[10], anomalies[0].Sample)
	assert.Nil(t, anomalies[0].DeltaKB)

	assert.Equal(t, ReasonRSSJump, anomalies[1].Reason)
	assert.Equal(t, samples[10], anomalies[1].Sample)
	require.NotNil(t, anomalies[1].DeltaKB)
	assert.Equal(t, int64(100000), *anomalies[1].DeltaKB)

	assert.Equal(t,
		"anomaly: timestamp=2024-01-01T00:10:00Z rss_kb=101000 pid=7 reason=rss_spike delta_kb=n/a",
		FormatAnomaly(anomalies[0]))
	assert.Equal(t,
		"anomaly: timestamp=2024-01-01T00:10:00Z rss_kb=101000 pid=7 reason=rss_jump delta_kb=100000",
		FormatAnomaly(anomalies[1]))
}

func TestDetectAnomalies_JumpNeedsAbsoluteThreshold(t *testing.T) {
	t.Parallel()

	// A 500 kB step is statistically extreme but below MinDeltaKB.
	anomalies := DetectAnomalies(spikeSeries(1500), DefaultAnomalyOptions())
	require.Len(t, anomalies, 1)
	assert.Equal(t, ReasonRSSSpike, anomalies[0].Reason)

	opts := DefaultAnomalyOptions()
	opts.MinDeltaKB = 100
	anomalies = DetectAnomalies(spikeSeries(1500), opts)
	require.Len(t, anomalies, 2)
	assert.Equal(t, ReasonRSSJump, anomalies[1].Reason)
}

func TestDetectAnomalies_Quiet(t *testing.T) {
	t.Parallel()

	assert.Empty(t, DetectAnomalies(series(1000, 1000, 1000, 1000), DefaultAnomalyOptions()), "flat series")
	assert.Empty(t, DetectAnomalies(series(1000, 900000), DefaultAnomalyOptions()), "fewer than three samples")
	// Ten samples cannot put a single outlier three population deviations out.
	assert.Empty(t, DetectAnomalies(series(1, 1, 1, 1, 1, 1, 1, 1, 1, 1000), DefaultAnomalyOptions()))
}
