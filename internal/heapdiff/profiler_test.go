package heapdiff

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/memwatch/internal/artifact"
	"github.com/thruflo/memwatch/internal/config"
	"github.com/thruflo/memwatch/internal/logging"
)

type frame struct {
	file string
	line int64
}

type heapSample struct {
	bytes   int64
	objects int64
	stack   []frame // leaf first
}

func heapProfile(samples ...heapSample) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "alloc_objects", Unit: "count"},
			{Type: "alloc_space", Unit: "bytes"},
			{Type: sampleInuseObjects, Unit: "count"},
			{Type: sampleInuseSpace, Unit: "bytes"},
		},
	}
	for _, s := range samples {
		var locs []*profile.Location
		for _, f := range s.stack {
			locs = append(locs, &profile.Location{
				Line: []profile.Line{{Function: &profile.Function{Filename: f.file}, Line: f.line}},
			})
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{s.objects, s.bytes, s.objects, s.bytes},
		})
	}
	return p
}

func at(file string, line int64) []frame {
	return []frame{{file: file, line: line}}
}

// scriptedSnapshotter returns the queued profiles in order.
type scriptedSnapshotter struct {
	mu       sync.Mutex
	profiles []*profile.Profile
	taken    int
	err      error
}

func (s *scriptedSnapshotter) Take(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if len(s.profiles) == 0 {
		return nil, errors.New("no more profiles")
	}
	p := s.profiles[0]
	s.profiles = s.profiles[1:]
	s.taken++
	return &Snapshot{
		Profile: p,
		Raw:     []byte{byte(s.taken)},
		TakenAt: time.Date(2026, 10, 18, 9, 0, s.taken, 0, time.UTC),
	}, nil
}

type recorder struct {
	diffs     [][]MemoryDiff
	artifacts []string
}

func (r *recorder) RecordDiffs(d []MemoryDiff, _ time.Time) { r.diffs = append(r.diffs, d) }
func (r *recorder) RecordArtifact(loc string, _ time.Time)  { r.artifacts = append(r.artifacts, loc) }

func quietLogger() *logging.Logger {
	return logging.NewWriter(&bytes.Buffer{}, logging.LevelError)
}

func TestCapture_FiltersAndLimits(t *testing.T) {
	t.Parallel()

	snaps := &scriptedSnapshotter{profiles: []*profile.Profile{
		heapProfile(),
		heapProfile(
			heapSample{bytes: 256 * 1024, objects: 3, stack: at("a.go", 10)},
			heapSample{bytes: 64 * 1024, objects: 1, stack: at("b.go", 20)},
			heapSample{bytes: 8 * 1024, objects: 2, stack: at("c.go", 30)},
		),
	}}
	p := New(Options{TopN: 2, MinKB: 16, FrameLimit: 5, Snapshotter: snaps, Logger: quietLogger()})

	diffs, err := p.Capture(context.Background())
	require.NoError(t, err)
	assert.Empty(t, diffs, "first capture only primes the baseline")

	diffs, err = p.Capture(context.Background())
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, MemoryDiff{Filename: "a.go", Line: 10, SizeDiffKB: 256, CountDiff: 3}, diffs[0])
	assert.Equal(t, MemoryDiff{Filename: "b.go", Line: 20, SizeDiffKB: 64, CountDiff: 1}, diffs[1])
	for _, d := range diffs {
		assert.GreaterOrEqual(t, d.SizeDiffKB, 16.0)
	}
}

func TestCapture_ScopeFilters(t *testing.T) {
	t.Parallel()

	snaps := &scriptedSnapshotter{profiles: []*profile.Profile{
		heapProfile(),
		heapProfile(
			heapSample{bytes: 128 * 1024, objects: 2, stack: at("a.go", 10)},
			heapSample{bytes: 128 * 1024, objects: 2, stack: at("b.go", 20)},
		),
	}}
	p := New(Options{
		TopN: 5, MinKB: 1, FrameLimit: 5,
		Include:     []string{"a.go", "b.go"},
		Exclude:     []string{"b.go"},
		Snapshotter: snaps,
		Logger:      quietLogger(),
	})

	_, err := p.Capture(context.Background())
	require.NoError(t, err)
	diffs, err := p.Capture(context.Background())
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, "a.go", diffs[0].Filename)
}

func TestCapture_DefaultScopeDropsModuleCache(t *testing.T) {
	t.Parallel()

	snaps := &scriptedSnapshotter{profiles: []*profile.Profile{
		heapProfile(),
		heapProfile(
			heapSample{bytes: 128 * 1024, objects: 2, stack: at("/srv/app/internal/cache/cache.go", 10)},
			heapSample{bytes: 128 * 1024, objects: 2, stack: at("/root/go/pkg/mod/github.com/acme/lib@v1.2.0/lib.go", 20)},
		),
	}}
	p := New(Options{TopN: 5, MinKB: 1, FrameLimit: 5, Exclude: config.DefaultExclude(), Snapshotter: snaps, Logger: quietLogger()})

	_, err := p.Capture(context.Background())
	require.NoError(t, err)
	diffs, err := p.Capture(context.Background())
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, "/srv/app/internal/cache/cache.go", diffs[0].Filename)
}

func TestCapture_AttributesFirstInScopeFrame(t *testing.T) {
	t.Parallel()

	stack := []frame{
		{file: "/usr/local/go/src/runtime/malloc.go", line: 1000},
		{file: "/usr/local/go/src/bytes/buffer.go", line: 140},
		{file: "/srv/app/internal/ingest/reader.go", line: 77},
	}
	newProfiles := func() []*profile.Profile {
		return []*profile.Profile{
			heapProfile(),
			heapProfile(heapSample{bytes: 512 * 1024, objects: 4, stack: stack}),
		}
	}

	t.Run("within frame limit", func(t *testing.T) {
		t.Parallel()
		p := New(Options{
			TopN: 5, FrameLimit: 3,
			Exclude:     []string{"/usr/local/go/src/"},
			Snapshotter: &scriptedSnapshotter{profiles: newProfiles()},
			Logger:      quietLogger(),
		})
		_, err := p.Capture(context.Background())
		require.NoError(t, err)
		diffs, err := p.Capture(context.Background())
		require.NoError(t, err)
		require.Len(t, diffs, 1)
		assert.Equal(t, "/srv/app/internal/ingest/reader.go:77", diffs[0].Site())
	})

	t.Run("beyond frame limit", func(t *testing.T) {
		t.Parallel()
		p := New(Options{
			TopN: 5, FrameLimit: 2,
			Exclude:     []string{"/usr/local/go/src/"},
			Snapshotter: &scriptedSnapshotter{profiles: newProfiles()},
			Logger:      quietLogger(),
		})
		_, err := p.Capture(context.Background())
		require.NoError(t, err)
		diffs, err := p.Capture(context.Background())
		require.NoError(t, err)
		assert.Empty(t, diffs)
	})
}

func TestCapture_ShrinkingSitesSortByMagnitude(t *testing.T) {
	t.Parallel()

	snaps := &scriptedSnapshotter{profiles: []*profile.Profile{
		heapProfile(
			heapSample{bytes: 1024 * 1024, objects: 10, stack: at("pool.go", 5)},
			heapSample{bytes: 100 * 1024, objects: 1, stack: at("steady.go", 9)},
		),
		heapProfile(
			heapSample{bytes: 100 * 1024, objects: 1, stack: at("steady.go", 9)},
			heapSample{bytes: 32 * 1024, objects: 1, stack: at("grow.go", 3)},
		),
	}}
	p := New(Options{TopN: 10, MinKB: 1, Snapshotter: snaps, Logger: quietLogger()})

	_, err := p.Capture(context.Background())
	require.NoError(t, err)
	diffs, err := p.Capture(context.Background())
	require.NoError(t, err)

	require.Len(t, diffs, 2, "unchanged sites are omitted")
	assert.Equal(t, "pool.go", diffs[0].Filename)
	assert.Equal(t, -1024.0, diffs[0].SizeDiffKB)
	assert.Equal(t, int64(-10), diffs[0].CountDiff)
	assert.Equal(t, "grow.go", diffs[1].Filename)
}

func TestLogDiff(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	rec := &recorder{}
	snaps := &scriptedSnapshotter{profiles: []*profile.Profile{
		heapProfile(),
		heapProfile(heapSample{bytes: 2048 * 1024, objects: 7, stack: at("/srv/app/cache.go", 42)}),
	}}
	p := New(Options{
		TopN: 5, MinKB: 1,
		Snapshotter: snaps,
		Recorder:    rec,
		Logger:      logging.NewWriter(&buf, logging.LevelInfo),
	})

	require.NoError(t, p.LogDiff(context.Background()))
	assert.Contains(t, buf.String(), "heapdiff: baseline recorded")
	assert.Empty(t, rec.diffs)

	buf.Reset()
	require.NoError(t, p.LogDiff(context.Background()))
	out := buf.String()
	assert.Contains(t, out, "INFO: heapdiff: allocation delta | count_diff=7 site=/srv/app/cache.go:42 size_diff_kb=2048.00")
	assert.Contains(t, out, "heapdiff: diff summary | entries=1 total_kb=2048.00")
	require.Len(t, rec.diffs, 1)
	assert.Equal(t, "/srv/app/cache.go", rec.diffs[0][0].Filename)
}

func TestCaptureDiff_PersistsArtifacts(t *testing.T) {
	t.Parallel()

	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	rec := &recorder{}
	snaps := &scriptedSnapshotter{profiles: []*profile.Profile{
		heapProfile(),
		heapProfile(heapSample{bytes: 256 * 1024, objects: 1, stack: at("a.go", 1)}),
	}}
	p := New(Options{MinKB: 1, Snapshotter: snaps, Store: store, Recorder: rec, Logger: quietLogger()})

	require.NoError(t, p.CaptureDiff(context.Background()))
	require.NoError(t, p.CaptureDiff(context.Background()))

	require.Len(t, rec.artifacts, 2, "every capture persists a snapshot, including the baseline")
	require.Len(t, rec.diffs, 1, "the baseline capture records no diff")
	assert.Equal(t, "a.go", rec.diffs[0][0].Filename)

	keyPattern := regexp.MustCompile(`heap/20261018T090002Z-[0-9a-f-]{36}\.pb\.gz$`)
	assert.Regexp(t, keyPattern, rec.artifacts[1])

	rel := keyPattern.FindString(rec.artifacts[1])
	data, err := store.Get(context.Background(), rel)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, data)
}

type failingStore struct{ err error }

func (f failingStore) Put(context.Context, string, []byte) (string, error) { return "", f.err }
func (f failingStore) Get(context.Context, string) ([]byte, error)         { return nil, f.err }

func TestCaptureDiff_StoreErrors(t *testing.T) {
	t.Parallel()

	t.Run("ordinary failure is wrapped", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("bucket unreachable")
		p := New(Options{
			Snapshotter: &scriptedSnapshotter{profiles: []*profile.Profile{heapProfile()}},
			Store:       failingStore{err: boom},
			Logger:      quietLogger(),
		})
		err := p.CaptureDiff(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.False(t, errors.Is(err, context.Canceled))
	})

	t.Run("cancellation stays recognisable", func(t *testing.T) {
		t.Parallel()
		p := New(Options{
			Snapshotter: &scriptedSnapshotter{profiles: []*profile.Profile{heapProfile()}},
			Store:       failingStore{err: context.Canceled},
			Logger:      quietLogger(),
		})
		err := p.CaptureDiff(context.Background())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestProfiler_SeparateBaselinesPerAction(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	snaps := &scriptedSnapshotter{profiles: []*profile.Profile{
		heapProfile(),
		heapProfile(heapSample{bytes: 64 * 1024, objects: 1, stack: at("a.go", 1)}),
	}}
	p := New(Options{MinKB: 1, Snapshotter: snaps, Recorder: rec, Logger: quietLogger()})

	require.NoError(t, p.LogDiff(context.Background()))
	require.NoError(t, p.CaptureDiff(context.Background()))

	assert.Empty(t, rec.diffs, "each action primes its own baseline")
}

func TestCaptureOnDemand_KeepsScheduledBaseline(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	snaps := &scriptedSnapshotter{profiles: []*profile.Profile{
		heapProfile(),
		heapProfile(heapSample{bytes: 64 * 1024, objects: 1, stack: at("a.go", 1)}),
		heapProfile(heapSample{bytes: 128 * 1024, objects: 2, stack: at("a.go", 1)}),
		heapProfile(heapSample{bytes: 160 * 1024, objects: 3, stack: at("a.go", 1)}),
	}}
	p := New(Options{MinKB: 1, Snapshotter: snaps, Recorder: rec, Logger: quietLogger()})
	ctx := context.Background()

	require.NoError(t, p.CaptureDiff(ctx))
	require.NoError(t, p.CaptureOnDemand(ctx))
	assert.Empty(t, rec.diffs, "the first on-demand capture primes its own baseline")

	require.NoError(t, p.CaptureDiff(ctx))
	require.Len(t, rec.diffs, 1)
	assert.Equal(t, []MemoryDiff{{Filename: "a.go", Line: 1, SizeDiffKB: 128, CountDiff: 2}}, rec.diffs[0],
		"scheduled diff spans the previous scheduled capture")

	require.NoError(t, p.CaptureOnDemand(ctx))
	require.Len(t, rec.diffs, 2)
	assert.Equal(t, []MemoryDiff{{Filename: "a.go", Line: 1, SizeDiffKB: 96, CountDiff: 2}}, rec.diffs[1],
		"on-demand diff spans the previous on-demand capture")
}

func TestProfiler_CancelledContext(t *testing.T) {
	t.Parallel()

	snaps := &scriptedSnapshotter{profiles: []*profile.Profile{heapProfile()}}
	p := New(Options{Snapshotter: snaps, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, context.Canceled, p.LogDiff(ctx))
	assert.Equal(t, context.Canceled, p.CaptureDiff(ctx))
	assert.Equal(t, 0, snaps.taken, "no snapshot is taken once cancelled")
}

func TestProfiler_SnapshotErrors(t *testing.T) {
	t.Parallel()

	p := New(Options{Snapshotter: &scriptedSnapshotter{err: errors.New("pprof unavailable")}, Logger: quietLogger()})
	err := p.LogDiff(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heap snapshot failed")

	p = New(Options{Snapshotter: &scriptedSnapshotter{err: context.DeadlineExceeded}, Logger: quietLogger()})
	assert.Equal(t, context.DeadlineExceeded, p.LogDiff(context.Background()))

	p = New(Options{
		Snapshotter: &scriptedSnapshotter{profiles: []*profile.Profile{{SampleType: []*profile.ValueType{{Type: "samples"}}}}},
		Logger:      quietLogger(),
	})
	err = p.LogDiff(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inuse_space")
}

func TestMatchPattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern  string
		filename string
		want     bool
	}{
		{"internal/", "/srv/app/internal/cache.go", true},
		{"internal/", "/srv/app/cmd/main.go", false},
		{"*_test.go", "/srv/app/internal/cache_test.go", true},
		{"/srv/app/*/cache.go", "/srv/app/internal/cache.go", true},
		{"cache?.go", "/srv/app/cache2.go", true},
		{"", "/srv/app/cache.go", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.pattern+"|"+tt.filename, func(t *testing.T) {
			assert.Equal(t, tt.want, matchPattern(tt.pattern, tt.filename))
		})
	}
}

func TestRuntimeSnapshotter(t *testing.T) {
	snap, err := RuntimeSnapshotter{ForceGC: true}.Take(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.Profile)
	assert.NotEmpty(t, snap.Raw)
	assert.GreaterOrEqual(t, sampleIndex(snap.Profile, sampleInuseSpace), 0)

	p := New(Options{Logger: quietLogger()})
	_, err = p.Capture(context.Background())
	require.NoError(t, err)
	_, err = p.Capture(context.Background())
	require.NoError(t, err)
}

func TestNewFromConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultProfiler()
	cfg.TopN = 3
	cfg.Include = []string{"internal/"}
	p := NewFromConfig(cfg, nil, nil, quietLogger())

	assert.Equal(t, 3, p.opts.TopN)
	assert.Equal(t, config.DefaultFrameLimit, p.opts.FrameLimit)
	assert.Equal(t, []string{"internal/"}, p.opts.Include)
	assert.IsType(t, RuntimeSnapshotter{}, p.opts.Snapshotter)
}
