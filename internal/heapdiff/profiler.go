package heapdiff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/google/uuid"

	"github.com/thruflo/memwatch/internal/artifact"
	"github.com/thruflo/memwatch/internal/config"
	"github.com/thruflo/memwatch/internal/logging"
)

// Sample types read from Go heap profiles.
const (
	sampleInuseSpace   = "inuse_space"
	sampleInuseObjects = "inuse_objects"
)

// Each action keeps its own baseline so a diff always spans that action's
// cadence window. On-demand captures have a channel of their own so they
// never shift the scheduled capture baseline.
const (
	channelLog     = "log"
	channelCapture = "capture"
	channelManual  = "manual"
)

// MemoryDiff is the change of one allocation site between two snapshots.
type MemoryDiff struct {
	Filename   string  `json:"filename"`
	Line       int64   `json:"lineno"`
	SizeDiffKB float64 `json:"size_diff_kb"`
	CountDiff  int64   `json:"count_diff"`
}

// Site returns "file:line".
func (d MemoryDiff) Site() string {
	return fmt.Sprintf("%s:%d", d.Filename, d.Line)
}

// Recorder receives diff results for diagnostics. diag.App implements it.
type Recorder interface {
	RecordDiffs(diffs []MemoryDiff, at time.Time)
	RecordArtifact(location string, at time.Time)
}

// Options configures a Profiler.
type Options struct {
	TopN       int
	MinKB      float64
	FrameLimit int
	// Include and Exclude are scope patterns. Patterns with glob
	// metacharacters are matched with path.Match against the full path and
	// the base name; anything else is a substring match.
	Include []string
	Exclude []string

	Snapshotter Snapshotter
	Store       artifact.Store // nil disables artifact persistence
	Recorder    Recorder
	Logger      *logging.Logger
	// NewKey names the artifact for a snapshot taken at t.
	NewKey func(t time.Time) string
}

// Profiler computes heap diffs between successive snapshots.
type Profiler struct {
	opts Options

	mu        sync.Mutex
	baselines map[string]sites
}

type site struct {
	file string
	line int64
}

type usage struct {
	bytes   int64
	objects int64
}

type sites map[site]usage

// New creates a Profiler, filling unset options with defaults.
func New(opts Options) *Profiler {
	if opts.TopN <= 0 {
		opts.TopN = config.DefaultTopN
	}
	if opts.FrameLimit <= 0 {
		opts.FrameLimit = config.DefaultFrameLimit
	}
	if opts.MinKB < 0 {
		opts.MinKB = 0
	}
	if opts.Snapshotter == nil {
		opts.Snapshotter = RuntimeSnapshotter{ForceGC: true}
	}
	if opts.Logger == nil {
		opts.Logger = logging.With("component", "heapdiff")
	}
	if opts.NewKey == nil {
		opts.NewKey = DefaultKey
	}
	return &Profiler{
		opts:      opts,
		baselines: make(map[string]sites),
	}
}

// NewFromConfig creates a Profiler from profiler settings.
func NewFromConfig(cfg config.Profiler, store artifact.Store, rec Recorder, logger *logging.Logger) *Profiler {
	return New(Options{
		TopN:       cfg.TopN,
		MinKB:      cfg.MinKB,
		FrameLimit: cfg.FrameLimit,
		Include:    cfg.Include,
		Exclude:    cfg.Exclude,
		Store:      store,
		Recorder:   rec,
		Logger:     logger,
	})
}

// DefaultKey returns "heap/<UTC timestamp>-<uuid>.pb.gz".
func DefaultKey(t time.Time) string {
	return fmt.Sprintf("heap/%s-%s.pb.gz", t.UTC().Format("20060102T150405Z"), uuid.NewString())
}

type diffResult struct {
	diffs    []MemoryDiff
	snapshot *Snapshot
	primed   bool // first snapshot on this channel; no comparison made
}

// Capture takes a snapshot and returns the diff against the previous
// Capture. The first call only records the baseline and returns no diffs.
func (p *Profiler) Capture(ctx context.Context) ([]MemoryDiff, error) {
	res, err := p.diff(ctx, channelCapture)
	if err != nil {
		return nil, err
	}
	return res.diffs, nil
}

// LogDiff logs the allocation sites that changed since the previous LogDiff.
func (p *Profiler) LogDiff(ctx context.Context) error {
	res, err := p.diff(ctx, channelLog)
	if err != nil {
		return err
	}

	log := p.opts.Logger
	if res.primed {
		log.Info("heapdiff: baseline recorded", "action", channelLog)
		return nil
	}

	var totalKB float64
	for _, d := range res.diffs {
		totalKB += d.SizeDiffKB
		log.Info("heapdiff: allocation delta",
			"site", d.Site(),
			"size_diff_kb", d.SizeDiffKB,
			"count_diff", d.CountDiff,
		)
	}
	log.Info("heapdiff: diff summary", "entries", len(res.diffs), "total_kb", totalKB)

	if p.opts.Recorder != nil {
		p.opts.Recorder.RecordDiffs(res.diffs, res.snapshot.TakenAt)
	}
	return nil
}

// CaptureDiff takes a snapshot, persists the encoded profile to the store and
// records the diff against the previous capture.
func (p *Profiler) CaptureDiff(ctx context.Context) error {
	return p.captureDiff(ctx, channelCapture)
}

// CaptureOnDemand is CaptureDiff for captures requested outside the sampler
// schedule. Its diff spans the previous on-demand capture.
func (p *Profiler) CaptureOnDemand(ctx context.Context) error {
	return p.captureDiff(ctx, channelManual)
}

func (p *Profiler) captureDiff(ctx context.Context, channel string) error {
	res, err := p.diff(ctx, channel)
	if err != nil {
		return err
	}

	at := res.snapshot.TakenAt
	if p.opts.Store != nil {
		key := p.opts.NewKey(at)
		location, err := p.opts.Store.Put(ctx, key, res.snapshot.Raw)
		if err != nil {
			return fmt.Errorf("failed to store heap snapshot: %w", err)
		}
		p.opts.Logger.Info("heapdiff: snapshot captured",
			"channel", channel,
			"location", location,
			"bytes", len(res.snapshot.Raw),
			"entries", len(res.diffs),
		)
		if p.opts.Recorder != nil {
			p.opts.Recorder.RecordArtifact(location, at)
		}
	}

	if !res.primed && p.opts.Recorder != nil {
		p.opts.Recorder.RecordDiffs(res.diffs, at)
	}
	return nil
}

func (p *Profiler) diff(ctx context.Context, channel string) (diffResult, error) {
	if err := ctx.Err(); err != nil {
		return diffResult{}, err
	}

	snap, err := p.opts.Snapshotter.Take(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return diffResult{}, err
		}
		return diffResult{}, fmt.Errorf("heap snapshot failed: %w", err)
	}

	current, err := p.aggregate(snap.Profile)
	if err != nil {
		return diffResult{}, err
	}

	p.mu.Lock()
	previous, ok := p.baselines[channel]
	p.baselines[channel] = current
	p.mu.Unlock()

	if !ok {
		return diffResult{snapshot: snap, primed: true}, nil
	}
	return diffResult{diffs: p.compare(previous, current), snapshot: snap}, nil
}

// aggregate sums in-use bytes and objects per attributed allocation site.
func (p *Profiler) aggregate(prof *profile.Profile) (sites, error) {
	if prof == nil {
		return nil, errors.New("heap snapshot has no profile")
	}
	spaceIdx := sampleIndex(prof, sampleInuseSpace)
	if spaceIdx < 0 {
		return nil, fmt.Errorf("profile has no %s sample type", sampleInuseSpace)
	}
	objectsIdx := sampleIndex(prof, sampleInuseObjects)

	out := make(sites)
	for _, s := range prof.Sample {
		if len(s.Value) <= spaceIdx {
			continue
		}
		key, ok := p.attribute(s)
		if !ok {
			continue
		}
		u := out[key]
		u.bytes += s.Value[spaceIdx]
		if objectsIdx >= 0 && objectsIdx < len(s.Value) {
			u.objects += s.Value[objectsIdx]
		}
		out[key] = u
	}
	return out, nil
}

// attribute picks the first frame, leaf first and at most FrameLimit deep,
// whose file is in scope.
func (p *Profiler) attribute(s *profile.Sample) (site, bool) {
	frames := 0
	for _, loc := range s.Location {
		for _, ln := range loc.Line {
			if frames >= p.opts.FrameLimit {
				return site{}, false
			}
			frames++
			if ln.Function == nil {
				continue
			}
			if inScope(ln.Function.Filename, p.opts.Include, p.opts.Exclude) {
				return site{file: ln.Function.Filename, line: ln.Line}, true
			}
		}
	}
	return site{}, false
}

func (p *Profiler) compare(previous, current sites) []MemoryDiff {
	keys := make(map[site]struct{}, len(current)+len(previous))
	for k := range previous {
		keys[k] = struct{}{}
	}
	for k := range current {
		keys[k] = struct{}{}
	}

	out := []MemoryDiff{}
	for k := range keys {
		cur, prev := current[k], previous[k]
		sizeDiff := cur.bytes - prev.bytes
		countDiff := cur.objects - prev.objects
		if sizeDiff == 0 && countDiff == 0 {
			continue
		}
		kb := float64(sizeDiff) / 1024
		if math.Abs(kb) < p.opts.MinKB {
			continue
		}
		out = append(out, MemoryDiff{
			Filename:   k.file,
			Line:       k.line,
			SizeDiffKB: kb,
			CountDiff:  countDiff,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		ai, aj := math.Abs(out[i].SizeDiffKB), math.Abs(out[j].SizeDiffKB)
		if ai != aj {
			return ai > aj
		}
		if out[i].Filename != out[j].Filename {
			return out[i].Filename < out[j].Filename
		}
		return out[i].Line < out[j].Line
	})

	if len(out) > p.opts.TopN {
		out = out[:p.opts.TopN]
	}
	return out
}

func sampleIndex(p *profile.Profile, typ string) int {
	for i, st := range p.SampleType {
		if st.Type == typ {
			return i
		}
	}
	return -1
}

func inScope(filename string, include, exclude []string) bool {
	if filename == "" {
		return false
	}
	if len(include) > 0 && !matchAny(include, filename) {
		return false
	}
	return !matchAny(exclude, filename)
}

func matchAny(patterns []string, filename string) bool {
	for _, pattern := range patterns {
		if matchPattern(pattern, filename) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, filename string) bool {
	if pattern == "" {
		return false
	}
	if strings.ContainsAny(pattern, "*?[") {
		if ok, _ := path.Match(pattern, filename); ok {
			return true
		}
		ok, _ := path.Match(pattern, path.Base(filename))
		return ok
	}
	return strings.Contains(filename, pattern)
}
