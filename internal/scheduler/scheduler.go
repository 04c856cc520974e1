package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every aligned interval.
type TickFunc func(ctx context.Context, now time.Time) error

// Clock abstracts wall-clock access so the driver can be tested.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	Location     *time.Location
	StartupDelay time.Duration
	Clock        Clock
}

// Scheduler drives aligned execution of the tick function, one call per interval.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the tick function at each aligned interval until ctx is cancelled.
// Ticks run inline, so a slow tick delays the next one rather than overlapping it.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.opts.Clock.After(s.opts.StartupDelay):
		}
	}

	next := s.nextTick(s.opts.Clock.Now())
	for {
		now := s.opts.Clock.Now()
		if next.Before(now.Add(-s.opts.Interval)) {
			s.logger.Warn().Time("missed", next).Msg("tick overran; skipping to current interval")
			next = now.Truncate(s.opts.Interval)
		}

		if delay := next.Sub(now); delay > 0 {
			s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.opts.Clock.After(delay):
			}
		}

		at := next.In(s.opts.Location)
		if err := tick(ctx, at); err != nil {
			s.logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
		}

		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}
