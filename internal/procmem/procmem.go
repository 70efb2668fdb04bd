// Package procmem samples the resident and virtual memory of a Linux process
// from /proc and records the samples as CSV.
package procmem

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/thruflo/memwatch/internal/logging"
)

// TimestampFormat is the UTC layout of the CSV timestamp column.
const TimestampFormat = "2006-01-02T15:04:05Z"

// Header is the CSV header row.
var Header = []string{"timestamp", "rss_kb", "vms_kb", "pid"}

// Defaults used by the monitor command.
const (
	DefaultInterval = 60 * time.Second
	DefaultDuration = 24 * time.Hour
	DefaultOutput   = "monitoring/memory_usage.csv"
)

// ErrMissingField is returned when VmRSS or VmSize is absent from a status
// payload, as happens for kernel threads and zombies.
var ErrMissingField = errors.New("missing VmRSS or VmSize in /proc status payload")

// ErrNoMatch is returned when no process command line contains the
// requested substring.
var ErrNoMatch = errors.New("no process command line matched")

// procRoot is overridden in tests.
var procRoot = "/proc"

// Usage is one memory reading in kB.
type Usage struct {
	RSSKB int64
	VMSKB int64
}

// ParseStatus extracts VmRSS and VmSize from the contents of
// /proc/<pid>/status.
func ParseStatus(r io.Reader) (Usage, error) {
	var u Usage
	var haveRSS, haveVMS bool

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "VmRSS:"):
			v, err := parseKB(line)
			if err != nil {
				return Usage{}, err
			}
			u.RSSKB, haveRSS = v, true
		case strings.HasPrefix(line, "VmSize:"):
			v, err := parseKB(line)
			if err != nil {
				return Usage{}, err
			}
			u.VMSKB, haveVMS = v, true
		}
	}
	if err := scanner.Err(); err != nil {
		return Usage{}, fmt.Errorf("failed to read status: %w", err)
	}
	if !haveRSS || !haveVMS {
		return Usage{}, ErrMissingField
	}
	return u, nil
}

// parseKB reads the value of a line like "VmRSS:   12345 kB".
func parseKB(line string) (int64, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed status line %q", line)
	}
	v, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed status line %q: %w", line, err)
	}
	return v, nil
}

// Sample reads the current memory usage of pid.
func Sample(pid int) (Usage, error) {
	f, err := os.Open(filepath.Join(procRoot, strconv.Itoa(pid), "status"))
	if err != nil {
		return Usage{}, fmt.Errorf("failed to open status for pid %d: %w", pid, err)
	}
	defer f.Close()

	u, err := ParseStatus(f)
	if err != nil {
		return Usage{}, fmt.Errorf("pid %d: %w", pid, err)
	}
	return u, nil
}

// Cmdlines returns the command line of every visible process, keyed by pid.
// NUL separators become spaces. Processes that vanish or deny access while
// being read are skipped, as are empty command lines.
func Cmdlines() (map[int]string, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", procRoot, err)
	}

	out := make(map[int]string)
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(procRoot, e.Name(), "cmdline"))
		if err != nil {
			continue
		}
		cmdline := strings.TrimSpace(strings.ReplaceAll(string(raw), "\x00", " "))
		if cmdline != "" {
			out[pid] = cmdline
		}
	}
	return out, nil
}

// FindPID returns the lowest pid whose command line contains substr.
func FindPID(substr string) (int, error) {
	if substr == "" {
		return 0, errors.New("process name must not be empty")
	}
	cmdlines, err := Cmdlines()
	if err != nil {
		return 0, err
	}

	found := 0
	for pid, cmdline := range cmdlines {
		if strings.Contains(cmdline, substr) && (found == 0 || pid < found) {
			found = pid
		}
	}
	if found == 0 {
		return 0, fmt.Errorf("%w %q", ErrNoMatch, substr)
	}
	return found, nil
}

// Monitor periodically samples one process.
type Monitor struct {
	PID      int
	Interval time.Duration
	// Duration bounds the run; zero means no bound.
	Duration time.Duration
	// MaxSamples stops the run after that many rows; zero means no limit.
	MaxSamples int

	// Sampler, Now and Sleep default to Sample, time.Now and a context-aware
	// timer.
	Sampler func(pid int) (Usage, error)
	Now     func() time.Time
	Sleep   func(ctx context.Context, d time.Duration) error
	Logger  *logging.Logger
}

// Run writes one CSV row per sample to w until Duration elapses, MaxSamples
// rows are written or ctx is cancelled. The header is written first when
// writeHeader is set. Every row is flushed before the next wait. It returns
// the number of rows written; a cancellation error is returned unchanged.
func (m *Monitor) Run(ctx context.Context, w io.Writer, writeHeader bool) (int, error) {
	sampler, now, sleep, logger := m.Sampler, m.Now, m.Sleep, m.Logger
	if sampler == nil {
		sampler = Sample
	}
	if now == nil {
		now = time.Now
	}
	if sleep == nil {
		sleep = sleepCtx
	}
	if logger == nil {
		logger = logging.With("component", "procmem")
	}

	cw := csv.NewWriter(w)
	if writeHeader {
		if err := writeRow(cw, Header); err != nil {
			return 0, err
		}
	}

	var deadline time.Time
	if m.Duration > 0 {
		deadline = now().Add(m.Duration)
	}

	written := 0
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		t := now()
		if !deadline.IsZero() && t.After(deadline) {
			break
		}

		u, err := sampler(m.PID)
		if err != nil {
			return written, err
		}
		row := []string{
			t.UTC().Format(TimestampFormat),
			strconv.FormatInt(u.RSSKB, 10),
			strconv.FormatInt(u.VMSKB, 10),
			strconv.Itoa(m.PID),
		}
		if err := writeRow(cw, row); err != nil {
			return written, err
		}
		written++
		logger.Debug("procmem: sample", "pid", m.PID, "rss_kb", u.RSSKB, "vms_kb", u.VMSKB)

		if m.MaxSamples > 0 && written >= m.MaxSamples {
			break
		}
		if err := sleep(ctx, m.Interval); err != nil {
			return written, err
		}
	}
	return written, nil
}

// RunFile appends samples to the CSV file at path, creating it and its parent
// directory if needed. The header is written only when the file is new.
func (m *Monitor) RunFile(ctx context.Context, path string) (int, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	_, statErr := os.Stat(path)
	isNew := errors.Is(statErr, os.ErrNotExist)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open output: %w", err)
	}
	defer f.Close()

	return m.Run(ctx, f, isNew)
}

func writeRow(cw *csv.Writer, row []string) error {
	if err := cw.Write(row); err != nil {
		return fmt.Errorf("failed to write sample: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to write sample: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
