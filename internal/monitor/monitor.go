// Package monitor drives polling across the configured daily windows: it
// decides on each minute whether to poll, accumulates novel detections for
// the window, stops early once every satellite has reported, and closes each
// window with a heartbeat when nothing was found.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"firms-hotspot-alerts/internal/aggregator"
	"firms-hotspot-alerts/internal/alerting"
	"firms-hotspot-alerts/internal/hotspot"
	"firms-hotspot-alerts/internal/metrics"
	"firms-hotspot-alerts/internal/scheduler"
	"firms-hotspot-alerts/internal/service"
)

// State is the monitor's position relative to the poll windows.
type State string

const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StateQuiesced State = "quiesced"
)

// Engine runs check cycles and delivers messages. *service.Service implements it.
type Engine interface {
	Check(ctx context.Context, opts service.CheckOptions) (service.CheckOutcome, error)
	Deliver(ctx context.Context, msg alerting.Message, dets []hotspot.Detection) error
}

// Options configure windows and cadence.
type Options struct {
	Windows        []scheduler.PollWindow
	Sources        []string
	Location       *time.Location
	ActiveInterval time.Duration
	IdleInterval   time.Duration
	GracePeriod    time.Duration
	CheckTimeout   time.Duration
	Region         string
}

// Status is a lock-free view of the monitor for the status endpoint.
type Status struct {
	State       State
	Window      string
	WindowStart *time.Time
}

// Monitor owns the window state. Tick and EndWindow serialise on one mutex.
type Monitor struct {
	opts    Options
	engine  Engine
	agg     *aggregator.Aggregator
	metrics *metrics.Collector
	logger  zerolog.Logger

	mu          sync.Mutex
	window      *scheduler.PollWindow
	windowStart time.Time
	lastTick    time.Time

	status atomic.Pointer[Status]
}

// New constructs a Monitor in the idle state.
func New(opts Options, engine Engine, collector *metrics.Collector, logger zerolog.Logger) *Monitor {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.ActiveInterval <= 0 {
		opts.ActiveInterval = 10 * time.Minute
	}
	m := &Monitor{
		opts:    opts,
		engine:  engine,
		agg:     aggregator.New(opts.Sources),
		metrics: collector,
		logger:  logger.With().Str("component", "monitor").Logger(),
	}
	m.publish(StateIdle)
	return m
}

// State returns the current state.
func (m *Monitor) State() State {
	return m.status.Load().State
}

// Status returns the current state with the open window, if any.
func (m *Monitor) Status() Status {
	return *m.status.Load()
}

// Snapshot returns the window-to-date tallies.
func (m *Monitor) Snapshot() aggregator.Snapshot {
	return m.agg.Snapshot()
}

// Tick evaluates one wall-clock minute. Repeated calls for the same minute are
// ignored. Failures are logged; they never leave the state machine half updated.
func (m *Monitor) Tick(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now = now.In(m.opts.Location).Truncate(time.Minute)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastTick.IsZero() && !now.After(m.lastTick) {
		m.logger.Debug().Time("tick", now).Msg("minute already processed")
		return nil
	}
	m.lastTick = now

	if m.window != nil && (!m.window.Contains(now) || !m.window.StartOn(now).Equal(m.windowStart)) {
		m.endWindowLocked(ctx, now)
	}

	w, inside := m.windowAt(now)
	if !inside {
		m.idleTickLocked(ctx, now)
		return nil
	}

	if m.window == nil {
		m.beginWindowLocked(w, now)
	}

	if m.agg.Quiesced() {
		m.logger.Debug().Time("tick", now).Msg("window quiesced; not polling")
		return nil
	}

	if at, ok := m.agg.AllReportedAt(); ok && !now.Before(at.Add(m.opts.GracePeriod)) {
		m.quiesceLocked(ctx, now)
		return nil
	}

	if dueAt(now, m.opts.ActiveInterval) {
		m.pollWindowLocked(ctx, now)
	}
	return nil
}

// EndWindow runs the end-of-window decision for window and resets the window
// state. Calling it for a window that is not open only resets.
func (m *Monitor) EndWindow(ctx context.Context, window scheduler.PollWindow, now time.Time) {
	now = now.In(m.opts.Location)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.window == nil || *m.window != window {
		m.logger.Debug().Str("window", window.String()).Msg("window not open; resetting only")
		m.resetLocked()
		return
	}
	m.endWindowLocked(ctx, now)
}

func (m *Monitor) windowAt(now time.Time) (scheduler.PollWindow, bool) {
	for _, w := range m.opts.Windows {
		if w.Contains(now) {
			return w, true
		}
	}
	return scheduler.PollWindow{}, false
}

func (m *Monitor) beginWindowLocked(w scheduler.PollWindow, now time.Time) {
	m.agg.Reset()
	m.window = &w
	m.windowStart = w.StartOn(now)
	m.publish(StateActive)
	m.metrics.SetWindowTotals(0, 0)
	m.logger.Info().Str("window", w.String()).Time("start", m.windowStart).Msg("poll window opened")
}

func (m *Monitor) endWindowLocked(ctx context.Context, now time.Time) {
	w := *m.window
	snap := m.agg.Snapshot()

	switch {
	case snap.Quiesced:
		m.logger.Info().Str("window", w.String()).Int("total", snap.Total).Msg("window closed after quiescence; heartbeat suppressed")
	case snap.Total == 0:
		m.logger.Info().Str("window", w.String()).Msg("window closed with nothing found; sending heartbeat")
		m.deliver(ctx, alerting.Heartbeat(w.String(), m.opts.Region, now), nil)
	default:
		m.logger.Info().Str("window", w.String()).Int("total", snap.Total).Msg("window closed; cumulative alerts already sent")
	}
	m.resetLocked()
}

func (m *Monitor) resetLocked() {
	m.agg.Reset()
	m.window = nil
	m.windowStart = time.Time{}
	m.publish(StateIdle)
	m.metrics.SetWindowTotals(0, 0)
}

func (m *Monitor) quiesceLocked(ctx context.Context, now time.Time) {
	if !m.agg.MarkQuiesced() {
		return
	}
	m.publish(StateQuiesced)
	snap := m.agg.Snapshot()
	m.logger.Info().Str("window", m.window.String()).Int("total", snap.Total).Msg("all sources reported and grace elapsed; quiescing")
	m.deliver(ctx, alerting.Quiescence(snap, m.window.String(), m.opts.Region, now), nil)
}

func (m *Monitor) pollWindowLocked(ctx context.Context, now time.Time) {
	outcome, ok := m.check(ctx, "window", now)
	if !ok || outcome.NovelCount == 0 {
		return
	}

	snap, completed := m.agg.RecordNovel(outcome.PerSource, now)
	m.metrics.SetWindowTotals(snap.Total, snap.Reported)
	if completed {
		m.logger.Info().Str("window", m.window.String()).Time("at", now).Dur("grace", m.opts.GracePeriod).Msg("all sources reported")
	}
	m.deliver(ctx, alerting.Cumulative(snap, m.opts.Region, now), outcome.Novel)
}

func (m *Monitor) idleTickLocked(ctx context.Context, now time.Time) {
	m.publish(StateIdle)
	if m.opts.IdleInterval <= 0 || !dueAt(now, m.opts.IdleInterval) {
		return
	}
	outcome, ok := m.check(ctx, "idle", now)
	if !ok || outcome.NovelCount == 0 {
		return
	}
	m.deliver(ctx, alerting.Poll(outcome.PerSource, m.opts.Sources, m.opts.Region, now), outcome.Novel)
}

func (m *Monitor) check(ctx context.Context, trigger string, now time.Time) (service.CheckOutcome, bool) {
	if m.opts.CheckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.CheckTimeout)
		defer cancel()
	}
	outcome, err := m.engine.Check(ctx, service.CheckOptions{Trigger: trigger})
	if err != nil {
		m.logger.Warn().Err(err).Str("trigger", trigger).Time("tick", now).Msg("poll failed; window state unchanged")
		return service.CheckOutcome{}, false
	}
	return outcome, true
}

func (m *Monitor) deliver(ctx context.Context, msg alerting.Message, dets []hotspot.Detection) {
	if err := m.engine.Deliver(ctx, msg, dets); err != nil {
		m.logger.Warn().Err(err).Str("kind", string(msg.Kind)).Msg("alert not delivered this cycle")
	}
}

func (m *Monitor) publish(state State) {
	st := &Status{State: state}
	if m.window != nil {
		st.Window = m.window.String()
		start := m.windowStart
		st.WindowStart = &start
	}
	m.status.Store(st)
	m.metrics.SetState(string(state))
}

// dueAt reports whether the minute of the hour falls on the interval grid.
func dueAt(now time.Time, interval time.Duration) bool {
	step := int(interval / time.Minute)
	if step <= 0 {
		return false
	}
	return now.Minute()%step == 0
}
