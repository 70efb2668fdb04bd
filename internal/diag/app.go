// Package diag holds the process-wide diagnostic state of memwatch: the
// effective sampler interval, the iteration counter and the most recent heap
// diff results. It is passed explicitly to the components that write it and
// read by the diagnostics server.
package diag

import (
	"sync"
	"time"

	"github.com/thruflo/memwatch/internal/heapdiff"
)

// App is the application context shared between the sampler, the heap diff
// provider and the diagnostics server. The zero value is ready to use.
type App struct {
	mu                sync.RWMutex
	intervalSeconds   float64
	intervalRecorded  bool
	startedAt         time.Time
	iterations        int
	lastDiffs         []heapdiff.MemoryDiff
	lastDiffsAt       time.Time
	lastArtifact      string
	lastArtifactAt    time.Time
	providerFailures  int
	lastProviderError string
}

// New returns an empty App.
func New() *App {
	return &App{}
}

// SetEffectiveInterval records the interval the sampler was started with.
func (a *App) SetEffectiveInterval(seconds float64, startedAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.intervalSeconds = seconds
	a.intervalRecorded = true
	a.startedAt = startedAt
}

// EffectiveInterval returns the recorded interval in seconds and whether a
// sampler has been started at all.
func (a *App) EffectiveInterval() (float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.intervalSeconds, a.intervalRecorded
}

// RecordIteration stores the latest completed iteration number.
func (a *App) RecordIteration(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.iterations = n
}

// RecordProviderFailure notes a non-cancellation provider error.
func (a *App) RecordProviderFailure(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.providerFailures++
	if err != nil {
		a.lastProviderError = err.Error()
	}
}

// RecordDiffs implements heapdiff.Recorder.
func (a *App) RecordDiffs(diffs []heapdiff.MemoryDiff, at time.Time) {
	cp := make([]heapdiff.MemoryDiff, len(diffs))
	copy(cp, diffs)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastDiffs = cp
	a.lastDiffsAt = at
}

// RecordArtifact implements heapdiff.Recorder.
func (a *App) RecordArtifact(location string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastArtifact = location
	a.lastArtifactAt = at
}

// State is a point-in-time copy of App for reporting.
type State struct {
	IntervalSeconds   *float64              `json:"interval_seconds"`
	StartedAt         *time.Time            `json:"started_at,omitempty"`
	Iterations        int                   `json:"iterations"`
	ProviderFailures  int                   `json:"provider_failures"`
	LastProviderError string                `json:"last_provider_error,omitempty"`
	LastDiffs         []heapdiff.MemoryDiff `json:"last_diffs"`
	LastDiffsAt       *time.Time            `json:"last_diffs_at,omitempty"`
	LastArtifact      string                `json:"last_artifact,omitempty"`
	LastArtifactAt    *time.Time            `json:"last_artifact_at,omitempty"`
}

// Snapshot returns a copy of the current state.
func (a *App) Snapshot() State {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st := State{
		Iterations:        a.iterations,
		ProviderFailures:  a.providerFailures,
		LastProviderError: a.lastProviderError,
		LastDiffs:         make([]heapdiff.MemoryDiff, len(a.lastDiffs)),
		LastArtifact:      a.lastArtifact,
	}
	copy(st.LastDiffs, a.lastDiffs)

	if a.intervalRecorded {
		interval := a.intervalSeconds
		started := a.startedAt
		st.IntervalSeconds = &interval
		st.StartedAt = &started
	}
	if !a.lastDiffsAt.IsZero() {
		at := a.lastDiffsAt
		st.LastDiffsAt = &at
	}
	if !a.lastArtifactAt.IsZero() {
		at := a.lastArtifactAt
		st.LastArtifactAt = &at
	}
	return st
}
