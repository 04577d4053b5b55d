package refreshworker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"soilmap/core-go/internal/metrics"
)

const (
	DefaultInterval   = 60 * time.Second
	DefaultMaxBackoff = 10 * time.Minute
)

// Refresher is the map view the worker keeps current. *mapview.Controller satisfies this.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type Worker struct {
	log        zerolog.Logger
	r          Refresher
	interval   time.Duration
	maxBackoff time.Duration
	runTimeout time.Duration
	schedule   cron.Schedule
	now        func() time.Time
	metrics    *metrics.Metrics
}

type Options struct {
	Interval   time.Duration
	MaxBackoff time.Duration
	// RunTimeout bounds one refresh. Zero means the interval.
	RunTimeout time.Duration
	// Schedule, when set, replaces Interval for healthy runs. Failures still back off from Interval.
	Schedule cron.Schedule
	Now      func() time.Time
}

// ParseSchedule parses a standard five-field cron spec (or a descriptor such as "@every 5m").
// An empty spec yields a nil schedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse refresh schedule %q: %w", spec, err)
	}
	return sched, nil
}

func New(log zerolog.Logger, r Refresher, opts Options, m *metrics.Metrics) *Worker {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff < interval {
		maxBackoff = max(DefaultMaxBackoff, interval)
	}
	runTimeout := opts.RunTimeout
	if runTimeout <= 0 {
		runTimeout = interval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Worker{
		log:        log,
		r:          r,
		interval:   interval,
		maxBackoff: maxBackoff,
		runTimeout: runTimeout,
		schedule:   opts.Schedule,
		now:        now,
		metrics:    m,
	}
}

// Run refreshes immediately and then once per interval (or per schedule tick) until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.r == nil {
		return
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	var consecutiveFailures int
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := w.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveFailures++
		} else {
			consecutiveFailures = 0
		}

		next := w.nextDelay(consecutiveFailures)
		if consecutiveFailures > 0 {
			w.log.Warn().Int("failures", consecutiveFailures).Dur("retry_in", next).Msg("map refresh failing; backing off")
		}
		timer.Reset(next)
	}
}

func (w *Worker) nextDelay(failures int) time.Duration {
	if failures > 0 || w.schedule == nil {
		return backoffDuration(w.interval, w.maxBackoff, failures)
	}
	now := w.now()
	next := w.schedule.Next(now)
	if next.IsZero() {
		// The schedule never fires again.
		return w.interval
	}
	return max(next.Sub(now), 0)
}

func backoffDuration(base, ceiling time.Duration, failures int) time.Duration {
	if base <= 0 {
		base = DefaultInterval
	}
	if failures <= 0 {
		return base
	}
	if failures > 6 {
		failures = 6
	}
	d := base * time.Duration(1<<failures)
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

func (w *Worker) runOnce(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, w.runTimeout)
	defer cancel()

	start := time.Now()
	err := w.r.Refresh(runCtx)
	w.metrics.ObserveRefreshDuration(time.Since(start))

	switch {
	case err == nil:
		w.metrics.IncRefreshRun("success")
		w.log.Debug().Dur("took", time.Since(start)).Msg("map refresh run finished")
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		w.metrics.IncRefreshRun("canceled")
	default:
		w.metrics.IncRefreshRun("failed")
		w.log.Error().Err(err).Msg("map refresh run failed")
	}
	return err
}
