// Package sampler runs the periodic heap diagnostics loop. Each iteration
// waits for the configured interval and then invokes the log and snapshot
// actions on their own cadences. The loop only ends through cancellation of
// its context, and it always hands that cancellation back to the caller.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/thruflo/memwatch/internal/logging"
	"github.com/thruflo/memwatch/internal/telemetry"
)

// Action names used in logs and metrics.
const (
	ActionLog      = "log"
	ActionSnapshot = "snapshot"
)

// MinInterval is what a non-positive interval is clamped to when Run is
// called directly. Start rejects such intervals instead.
const MinInterval = 100 * time.Millisecond

// Provider performs the periodic actions. Returning an error that matches
// context.Canceled stops the loop, as does context.DeadlineExceeded once the
// loop's own context is done. Any other error, including a timeout of the
// provider's own making, is logged and the loop carries on.
type Provider interface {
	LogDiff(ctx context.Context) error
	CaptureDiff(ctx context.Context) error
}

// SleepFunc waits for d or until ctx is done, returning ctx.Err() in the
// latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options configures a Loop. The zero value runs both actions every
// iteration.
type Options struct {
	Interval        time.Duration
	LogEveryN       int
	SnapshotEveryN  int
	DisableLog      bool
	DisableSnapshot bool

	Sleep   SleepFunc
	Logger  *logging.Logger
	Metrics *telemetry.SamplerMetrics
	// OnIteration is called after the counter is incremented, before any
	// action runs.
	OnIteration func(iteration int)
	// OnFailure is called for each non-cancellation provider error.
	OnFailure func(iteration int, action string, err error)
}

// Loop is the sampler control loop.
type Loop struct {
	provider        Provider
	interval        time.Duration
	logEveryN       int
	snapshotEveryN  int
	logEnabled      bool
	snapshotEnabled bool
	sleep           SleepFunc
	logger          *logging.Logger
	metrics         *telemetry.SamplerMetrics
	onIteration     func(int)
	onFailure       func(int, string, error)

	iteration atomic.Int64
}

// NewLoop creates a Loop for provider.
func NewLoop(provider Provider, opts Options) *Loop {
	l := &Loop{
		provider:        provider,
		interval:        opts.Interval,
		logEveryN:       opts.LogEveryN,
		snapshotEveryN:  opts.SnapshotEveryN,
		logEnabled:      !opts.DisableLog,
		snapshotEnabled: !opts.DisableSnapshot,
		sleep:           opts.Sleep,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		onIteration:     opts.OnIteration,
		onFailure:       opts.OnFailure,
	}

	if l.logger == nil {
		l.logger = logging.With("component", "sampler")
	}
	if l.interval <= 0 {
		l.logger.Warn("sampler: non-positive interval, clamping", "interval", opts.Interval, "clamped", MinInterval)
		l.interval = MinInterval
	}
	if l.logEveryN < 1 {
		l.logEveryN = 1
	}
	if l.snapshotEveryN < 1 {
		l.snapshotEveryN = 1
	}
	if l.sleep == nil {
		l.sleep = Sleep
	}
	return l
}

// Interval returns the effective interval.
func (l *Loop) Interval() time.Duration {
	return l.interval
}

// Iteration returns the number of completed waits so far. Safe to call from
// other goroutines while Run is active.
func (l *Loop) Iteration() int {
	return int(l.iteration.Load())
}

// Run executes the loop until ctx is cancelled or a provider reports
// cancellation. It never returns nil: the returned error is the cancellation
// error exactly as observed.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Debug("sampler: loop started",
		"interval", l.interval,
		"log_every_n", l.logEveryN,
		"snapshot_every_n", l.snapshotEveryN,
	)

	for {
		if err := l.sleep(ctx, l.interval); err != nil {
			l.logger.Info("sampler: loop cancelled during sleep", "iteration", l.Iteration())
			return err
		}
		if err := ctx.Err(); err != nil {
			l.logger.Info("sampler: loop cancelled before actions", "iteration", l.Iteration())
			return err
		}

		iteration := int(l.iteration.Add(1))
		l.metrics.Iteration(ctx)
		if l.onIteration != nil {
			l.onIteration(iteration)
		}

		if l.logEnabled && iteration%l.logEveryN == 0 {
			if err := l.invoke(ctx, iteration, ActionLog, l.provider.LogDiff); err != nil {
				return err
			}
		}
		if l.snapshotEnabled && iteration%l.snapshotEveryN == 0 {
			if err := l.invoke(ctx, iteration, ActionSnapshot, l.provider.CaptureDiff); err != nil {
				return err
			}
		}
	}
}

// invoke runs one provider action. It returns a non-nil error only for
// cancellation, which the caller must return as is.
func (l *Loop) invoke(ctx context.Context, iteration int, action string, fn func(context.Context) error) error {
	err := callProvider(ctx, fn)
	if err == nil {
		l.metrics.Action(ctx, action)
		return nil
	}

	if stopsLoop(ctx, err) {
		l.logger.Info("sampler: loop cancelled during "+action, "iteration", iteration)
		return err
	}

	l.metrics.Failure(ctx, action)
	l.logger.Warn("sampler: provider action failed", "iteration", iteration, "action", action, "error", err)
	if l.onFailure != nil {
		l.onFailure(iteration, action, err)
	}
	return nil
}

// callProvider converts a panic in a provider into an ordinary error so a
// single bad sample cannot take the process down.
func callProvider(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return fn(ctx)
}

// IsCancellation reports whether err is a context cancellation or deadline.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// stopsLoop reports whether a provider error ends the loop. A deadline only
// counts when it belongs to ctx; a provider's internal timeout does not.
func stopsLoop(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil
}

// Sleep waits for d on a timer, returning early with ctx.Err() if ctx is
// done first.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
