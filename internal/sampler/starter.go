package sampler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/thruflo/memwatch/internal/config"
	"github.com/thruflo/memwatch/internal/diag"
	"github.com/thruflo/memwatch/internal/logging"
	"github.com/thruflo/memwatch/internal/telemetry"
)

// ErrInvalidInterval is matched (via errors.Is) by the configuration error
// Start returns for a non-positive interval.
var ErrInvalidInterval = errors.New("sampler interval must be positive")

// intervalField names the offending setting in configuration errors.
const intervalField = "profiler.interval_seconds"

type startOptions struct {
	interval *float64
	sleep    SleepFunc
	logger   *logging.Logger
	metrics  *telemetry.SamplerMetrics
	now      func() time.Time
}

// StartOption customises Start.
type StartOption func(*startOptions)

// WithInterval overrides the configured interval, in seconds.
func WithInterval(seconds float64) StartOption {
	return func(o *startOptions) { o.interval = &seconds }
}

// WithSleep replaces the wait primitive.
func WithSleep(sleep SleepFunc) StartOption {
	return func(o *startOptions) { o.sleep = sleep }
}

// WithLogger sets the loop logger.
func WithLogger(logger *logging.Logger) StartOption {
	return func(o *startOptions) { o.logger = logger }
}

// WithMetrics records loop activity on m.
func WithMetrics(m *telemetry.SamplerMetrics) StartOption {
	return func(o *startOptions) { o.metrics = m }
}

// WithClock sets the clock used to stamp the start time.
func WithClock(now func() time.Time) StartOption {
	return func(o *startOptions) { o.now = now }
}

// Handle controls a sampler started in the background.
type Handle struct {
	loop   *Loop
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Start validates cfg and launches the sampler loop in a goroutine.
//
// A disabled sampler returns (nil, nil) without looking at the interval. An
// enabled sampler with a non-positive interval (configured or overridden)
// returns a config.ValidationError wrapping ErrInvalidInterval and starts
// nothing. Otherwise the effective interval is recorded on app and the loop
// runs until ctx is cancelled or Handle.Stop is called.
func Start(ctx context.Context, app *diag.App, cfg config.Profiler, provider Provider, opts ...StartOption) (*Handle, error) {
	so := startOptions{now: time.Now}
	for _, opt := range opts {
		opt(&so)
	}
	logger := so.logger
	if logger == nil {
		logger = logging.With("component", "sampler")
	}

	if !cfg.Enabled {
		logger.Debug("sampler: disabled by configuration")
		return nil, nil
	}

	seconds := cfg.IntervalSeconds
	if so.interval != nil {
		seconds = *so.interval
	}
	// The negated comparison also rejects NaN.
	if !(seconds > 0) || math.IsInf(seconds, 1) {
		return nil, config.ValidationError{
			Field:   intervalField,
			Message: fmt.Sprintf("must be a positive number of seconds, got %v", seconds),
			Err:     ErrInvalidInterval,
		}
	}
	interval := time.Duration(seconds * float64(time.Second))
	if interval <= 0 {
		return nil, config.ValidationError{
			Field:   intervalField,
			Message: fmt.Sprintf("%v seconds is below timer resolution", seconds),
			Err:     ErrInvalidInterval,
		}
	}

	if provider == nil {
		return nil, errors.New("sampler provider is required")
	}

	loopOpts := Options{
		Interval:        interval,
		LogEveryN:       cfg.LogEveryN,
		SnapshotEveryN:  cfg.SnapshotEveryN,
		DisableLog:      !cfg.LogEnabled,
		DisableSnapshot: !cfg.SnapshotEnabled,
		Sleep:           so.sleep,
		Logger:          logger,
		Metrics:         so.metrics,
	}
	if app != nil {
		app.SetEffectiveInterval(seconds, so.now())
		loopOpts.OnIteration = app.RecordIteration
		loopOpts.OnFailure = func(_ int, _ string, err error) { app.RecordProviderFailure(err) }
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		loop:   NewLoop(provider, loopOpts),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	logger.Info("sampler: started",
		"interval_seconds", seconds,
		"log_every_n", h.loop.logEveryN,
		"snapshot_every_n", h.loop.snapshotEveryN,
	)

	go func() {
		defer close(h.done)
		err := h.loop.Run(loopCtx)
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
	}()

	return h, nil
}

// Stop cancels the loop, waits for it to exit and returns its error, which
// is the cancellation that ended it.
func (h *Handle) Stop() error {
	h.cancel()
	<-h.done
	return h.Err()
}

// Done is closed when the loop has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the loop's exit error, or nil while it is still running.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Iteration returns the loop's current iteration count.
func (h *Handle) Iteration() int {
	return h.loop.Iteration()
}

// Interval returns the loop's effective interval.
func (h *Handle) Interval() time.Duration {
	return h.loop.Interval()
}
