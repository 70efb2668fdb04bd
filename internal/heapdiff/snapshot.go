// Package heapdiff compares successive Go heap profiles and reports which
// allocation sites grew. It provides the log and snapshot actions driven by
// the sampler loop.
package heapdiff

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/google/pprof/profile"
)

// Snapshot is one parsed heap profile together with its encoded form.
type Snapshot struct {
	Profile *profile.Profile
	Raw     []byte
	TakenAt time.Time
}

// Snapshotter takes heap snapshots. Tests substitute their own.
type Snapshotter interface {
	Take(ctx context.Context) (*Snapshot, error)
}

// RuntimeSnapshotter reads the current process heap profile.
type RuntimeSnapshotter struct {
	// ForceGC runs a collection first so in-use figures reflect live data
	// rather than the state at the previous GC cycle.
	ForceGC bool
}

// Take writes the "heap" pprof profile and parses it.
func (s RuntimeSnapshotter) Take(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.ForceGC {
		runtime.GC()
	}

	heap := pprof.Lookup("heap")
	if heap == nil {
		return nil, fmt.Errorf("heap profile is not available")
	}

	var buf bytes.Buffer
	if err := heap.WriteTo(&buf, 0); err != nil {
		return nil, fmt.Errorf("failed to write heap profile: %w", err)
	}

	raw := buf.Bytes()
	p, err := profile.ParseData(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse heap profile: %w", err)
	}

	return &Snapshot{Profile: p, Raw: raw, TakenAt: time.Now()}, nil
}
