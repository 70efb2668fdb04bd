package procmem

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/memwatch/internal/testutil"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    Usage
		wantErr error
	}{
		{name: "full status", input: testutil.SampleProcStatus, want: Usage{RSSKB: 51200, VMSKB: 204800}},
		{name: "minimal", input: "VmRSS: 1 kB\nVmSize: 2 kB\n", want: Usage{RSSKB: 1, VMSKB: 2}},
		{name: "kernel thread", input: "Name:\tkthreadd\nState:\tS\n", wantErr: ErrMissingField},
		{name: "missing size", input: "VmRSS: 1 kB\n", wantErr: ErrMissingField},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseStatus(strings.NewReader(tt.input))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStatus_Malformed(t *testing.T) {
	t.Parallel()

	_, err := ParseStatus(strings.NewReader("VmRSS: lots kB\nVmSize: 2 kB\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed status line")

	_, err = ParseStatus(strings.NewReader("VmRSS:\nVmSize: 2 kB\n"))
	require.Error(t, err)
}

// Tests in this package that touch procRoot do not run in parallel.
func TestSample(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTestFile(t, root, filepath.Join("4242", "status"), []byte(testutil.SampleProcStatus))

	orig := procRoot
	procRoot = root
	t.Cleanup(func() { procRoot = orig })

	u, err := Sample(4242)
	require.NoError(t, err)
	assert.Equal(t, Usage{RSSKB: 51200, VMSKB: 204800}, u)

	_, err = Sample(1)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFindPID(t *testing.T) {
	root := t.TempDir()
	cmdlines := map[string]string{
		"812":  "/usr/bin/worker\x00--queue\x00ingest\x00",
		"97":   "/usr/bin/worker\x00--queue\x00billing\x00",
		"1500": "python3\x00-m\x00http.server\x00",
		"33":   "",
		"self": "/usr/bin/worker\x00",
	}
	for dir, content := range cmdlines {
		testutil.WriteTestFile(t, root, filepath.Join(dir, "cmdline"), []byte(content))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "2000"), 0o755), "process without cmdline file")

	orig := procRoot
	procRoot = root
	t.Cleanup(func() { procRoot = orig })

	got, err := Cmdlines()
	require.NoError(t, err)
	assert.Equal(t, map[int]string{
		812:  "/usr/bin/worker --queue ingest",
		97:   "/usr/bin/worker --queue billing",
		1500: "python3 -m http.server",
	}, got)

	tests := []struct {
		name    string
		substr  string
		want    int
		wantErr error
	}{
		{name: "lowest pid wins", substr: "/usr/bin/worker", want: 97},
		{name: "argument match", substr: "--queue ingest", want: 812},
		{name: "single match", substr: "http.server", want: 1500},
		{name: "no match", substr: "postgres", wantErr: ErrNoMatch},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			pid, err := FindPID(tt.substr)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, pid)
		})
	}

	_, err = FindPID("")
	assert.EqualError(t, err, "process name must not be empty")
}

// fakeClock advances by step on each sleep.
type fakeClock struct {
	now    time.Time
	step   time.Duration
	sleeps int
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps++
	c.now = c.now.Add(c.step)
	return nil
}

func newTestMonitor(clock *fakeClock) *Monitor {
	rss := int64(1000)
	return &Monitor{
		PID:      4242,
		Interval: time.Minute,
		Sampler: func(pid int) (Usage, error) {
			rss += 10
			return Usage{RSSKB: rss, VMSKB: 9000}, nil
		},
		Now:    clock.Now,
		Sleep:  clock.Sleep,
		Logger: testutil.QuietLogger(),
	}
}

func TestMonitor_MaxSamples(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), step: time.Minute}
	m := newTestMonitor(clock)
	m.MaxSamples = 3

	var buf bytes.Buffer
	n, err := m.Run(context.Background(), &buf, true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, clock.sleeps, "no wait after the final sample")

	want := "timestamp,rss_kb,vms_kb,pid\n" +
		"2024-01-02T03:04:05Z,1010,9000,4242\n" +
		"2024-01-02T03:05:05Z,1020,9000,4242\n" +
		"2024-01-02T03:06:05Z,1030,9000,4242\n"
	assert.Equal(t, want, buf.String())
}

func TestMonitor_Duration(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), step: time.Minute}
	m := newTestMonitor(clock)
	m.Duration = 5 * time.Minute

	var buf bytes.Buffer
	n, err := m.Run(context.Background(), &buf, false)
	require.NoError(t, err)
	// Samples at minutes 0..5 inclusive.
	assert.Equal(t, 6, n)
	assert.False(t, strings.HasPrefix(buf.String(), "timestamp"))
}

func TestMonitor_NonUTCTimestamps(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+2", 2*60*60)
	clock := &fakeClock{now: time.Date(2024, 1, 2, 5, 0, 0, 0, loc), step: time.Minute}
	m := newTestMonitor(clock)
	m.MaxSamples = 1

	var buf bytes.Buffer
	_, err := m.Run(context.Background(), &buf, false)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T03:00:00Z,1010,9000,4242\n", buf.String())
}

func TestMonitor_Cancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	clock := &fakeClock{now: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), step: time.Minute}
	m := newTestMonitor(clock)
	sampler := m.Sampler
	calls := 0
	m.Sampler = func(pid int) (Usage, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return sampler(pid)
	}

	var buf bytes.Buffer
	n, err := m.Run(ctx, &buf, true)
	assert.Same(t, context.Canceled, err)
	assert.Equal(t, 2, n, "rows already sampled are kept")
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))
}

func TestMonitor_SamplerError(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now(), step: time.Second}
	m := newTestMonitor(clock)
	m.Sampler = func(int) (Usage, error) { return Usage{}, errors.New("no such process") }

	n, err := m.Run(context.Background(), &bytes.Buffer{}, false)
	assert.EqualError(t, err, "no such process")
	assert.Zero(t, n)
}

func TestMonitor_RunFileAppends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "memory_usage.csv")
	clock := &fakeClock{now: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), step: time.Minute}

	m := newTestMonitor(clock)
	m.MaxSamples = 2
	n, err := m.RunFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	m.MaxSamples = 1
	_, err = m.RunFile(context.Background(), path)
	require.NoError(t, err)

	rows := testutil.AssertCSVRows(t, path, 3)
	for _, row := range rows {
		assert.NotContains(t, row, "timestamp", "header written once")
	}
}
