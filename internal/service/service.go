package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"firms-hotspot-alerts/internal/alerting"
	"firms-hotspot-alerts/internal/fetcher"
	"firms-hotspot-alerts/internal/hotspot"
	"firms-hotspot-alerts/internal/metrics"
	"firms-hotspot-alerts/internal/novelty"
	"firms-hotspot-alerts/internal/storage"
)

var (
	// ErrBusy is returned when the context ends while waiting for a running check.
	ErrBusy = errors.New("service: check already in progress")
	// ErrLocked is returned when another instance holds the advisory lock.
	ErrLocked = errors.New("service: advisory lock held elsewhere")
)

// degradedAfter is the number of consecutive failed checks after which Healthy reports false.
const degradedAfter = 3

// Options tune one check cycle.
type Options struct {
	Sources       []string
	LookbackHours int
	MinConfidence hotspot.Confidence
	LockKey       int64
}

// CheckOptions override per-call behaviour.
type CheckOptions struct {
	// LookbackHours overrides the configured feed window when positive.
	LookbackHours int
	Trigger       string
}

// CheckOutcome summarises one poll cycle.
type CheckOutcome struct {
	CheckedAt    time.Time
	TotalFetched int
	NovelCount   int
	PerSource    map[string]hotspot.Tally
	Novel        []hotspot.Detection
	Duration     time.Duration
}

// Health is the degraded-health view exposed to operators.
type Health struct {
	Healthy             bool
	ConsecutiveFailures int
	LastCheckAt         *time.Time
	LastError           string
}

// Service runs check cycles against the feed and store and delivers alerts.
type Service struct {
	opts          Options
	feed          fetcher.Feed
	filter        *novelty.Filter
	hotspots      storage.HotspotStore
	checkLogs     storage.CheckLogStore
	notifications storage.NotificationStore
	notifier      alerting.Notifier
	metrics       *metrics.Collector
	locker        storage.AdvisoryLocker
	logger        zerolog.Logger
	now           func() time.Time

	gate *semaphore.Weighted

	mu          sync.Mutex
	failures    int
	lastCheckAt *time.Time
	lastErr     error
}

// New constructs the check service. A nil notifier disables delivery.
func New(opts Options, feed fetcher.Feed, store storage.Store, notifier alerting.Notifier, collector *metrics.Collector, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}
	if opts.MinConfidence == "" {
		opts.MinConfidence = hotspot.ConfidenceLow
	}

	return &Service{
		opts:          opts,
		feed:          feed,
		filter:        novelty.New(store, logger),
		hotspots:      store,
		checkLogs:     store,
		notifications: store,
		notifier:      notifier,
		metrics:       collector,
		locker:        locker,
		logger:        logger.With().Str("component", "service").Logger(),
		now:           time.Now,
		gate:          semaphore.NewWeighted(1),
	}
}

// Sources returns the satellite names this service polls.
func (s *Service) Sources() []string {
	names := make([]string, 0, len(s.opts.Sources))
	for _, src := range s.opts.Sources {
		names = append(names, hotspot.SourceName(src))
	}
	return names
}

// Check runs one fetch → filter → log cycle. Only one check runs at a time;
// callers queue on the gate until ctx ends. A storage failure is returned
// after being recorded in the check log.
func (s *Service) Check(ctx context.Context, opts CheckOptions) (CheckOutcome, error) {
	if err := s.gate.Acquire(ctx, 1); err != nil {
		return CheckOutcome{}, fmt.Errorf("%w: %v", ErrBusy, err)
	}
	defer s.gate.Release(1)

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return CheckOutcome{}, err
	}
	if !proceed {
		s.logger.Debug().Str("trigger", opts.Trigger).Msg("skip check because advisory lock held elsewhere")
		return CheckOutcome{}, ErrLocked
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeCheck(ctx, opts)
}

func (s *Service) executeCheck(ctx context.Context, opts CheckOptions) (CheckOutcome, error) {
	started := s.now()
	lookback := s.opts.LookbackHours
	if opts.LookbackHours > 0 {
		lookback = opts.LookbackHours
	}

	fetched := s.feed.Fetch(ctx, s.opts.Sources, lookback)
	candidates := filterConfidence(fetched, s.opts.MinConfidence)

	novel, err := s.filter.FilterNew(ctx, candidates)
	duration := s.now().Sub(started)
	if err != nil {
		s.recordFailure(ctx, started, len(fetched), duration, err)
		s.metrics.ObserveCheck(storage.CheckStatusError, duration, len(fetched), nil)
		s.logger.Error().Err(err).Str("trigger", opts.Trigger).Int("fetched", len(fetched)).Msg("check failed")
		return CheckOutcome{}, err
	}

	outcome := CheckOutcome{
		CheckedAt:    started,
		TotalFetched: len(fetched),
		NovelCount:   len(novel),
		PerSource:    hotspot.TallyBySource(novel),
		Novel:        novel,
		Duration:     duration,
	}
	s.recordSuccess(ctx, outcome)

	novelBySource := make(map[string]int, len(outcome.PerSource))
	for source, t := range outcome.PerSource {
		novelBySource[source] = t.Count
	}
	s.metrics.ObserveCheck(storage.CheckStatusSuccess, duration, outcome.TotalFetched, novelBySource)

	s.logger.Info().Str("trigger", opts.Trigger).
		Int("fetched", outcome.TotalFetched).
		Int("candidates", len(candidates)).
		Int("novel", outcome.NovelCount).
		Dur("duration", duration).
		Msg("check completed")
	return outcome, nil
}

// Deliver sends msg, records the attempt and, on success, stamps dets as notified.
// Delivery failures are returned but never undo stored detections.
func (s *Service) Deliver(ctx context.Context, msg alerting.Message, dets []hotspot.Detection) error {
	if s.notifier == nil {
		s.logger.Debug().Str("kind", string(msg.Kind)).Msg("alerting disabled; message dropped")
		return nil
	}

	sendErr := s.notifier.Notify(ctx, msg)

	record := storage.NotificationRecord{
		BatchID:      uuid.NewString(),
		Kind:         string(msg.Kind),
		HotspotCount: msg.HotspotCount,
		MessageText:  msg.Text,
		Status:       storage.NotificationSent,
		SentAt:       s.now().UTC(),
	}
	if sendErr != nil {
		errText := sendErr.Error()
		record.Status = storage.NotificationFailed
		record.Error = &errText
	}
	if _, err := s.notifications.InsertNotification(ctx, record); err != nil {
		s.logger.Error().Err(err).Str("batch_id", record.BatchID).Msg("failed to persist notification record")
	}
	s.metrics.Notification(record.Kind, record.Status)

	if sendErr != nil {
		s.logger.Error().Err(sendErr).Str("kind", record.Kind).Str("batch_id", record.BatchID).Msg("failed to dispatch alert")
		return sendErr
	}

	if len(dets) > 0 {
		keys := make([]hotspot.Key, 0, len(dets))
		for _, d := range dets {
			keys = append(keys, d.Key())
		}
		if err := s.hotspots.MarkNotified(ctx, keys, s.now().UTC()); err != nil {
			s.logger.Error().Err(err).Int("hotspots", len(keys)).Msg("failed to mark hotspots notified")
		}
	}
	return nil
}

// Healthy reports false once storage has failed degradedAfter checks in a row.
func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures < degradedAfter
}

// Health returns the current health view.
func (s *Service) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Health{Healthy: s.failures < degradedAfter, ConsecutiveFailures: s.failures}
	if s.lastCheckAt != nil {
		at := *s.lastCheckAt
		h.LastCheckAt = &at
	}
	if s.lastErr != nil {
		h.LastError = s.lastErr.Error()
	}
	return h
}

func (s *Service) recordSuccess(ctx context.Context, outcome CheckOutcome) {
	logErr := s.checkLogs.InsertCheckLog(ctx, storage.CheckLog{
		CheckedAt:      outcome.CheckedAt.UTC(),
		HotspotsFound:  outcome.TotalFetched,
		NewHotspots:    outcome.NovelCount,
		ResponseTimeMs: outcome.Duration.Milliseconds(),
		Status:         storage.CheckStatusSuccess,
	})
	if logErr != nil {
		s.logger.Error().Err(logErr).Msg("failed to write check log")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	at := outcome.CheckedAt
	s.lastCheckAt = &at
	if logErr != nil {
		s.failures++
		s.lastErr = logErr
		return
	}
	s.failures = 0
	s.lastErr = nil
}

func (s *Service) recordFailure(ctx context.Context, started time.Time, fetched int, duration time.Duration, cause error) {
	errText := cause.Error()
	if err := s.checkLogs.InsertCheckLog(ctx, storage.CheckLog{
		CheckedAt:      started.UTC(),
		HotspotsFound:  fetched,
		ResponseTimeMs: duration.Milliseconds(),
		Status:         storage.CheckStatusError,
		Error:          &errText,
	}); err != nil {
		s.logger.Error().Err(err).Msg("failed to write check log")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	at := started
	s.lastCheckAt = &at
	s.failures++
	s.lastErr = cause
	if s.failures == degradedAfter {
		s.logger.Error().Int("failures", s.failures).Msg("storage unavailable across repeated checks; reporting degraded")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func filterConfidence(dets []hotspot.Detection, min hotspot.Confidence) []hotspot.Detection {
	if min == hotspot.ConfidenceLow {
		return dets
	}
	out := make([]hotspot.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence.AtLeast(min) {
			out = append(out, d)
		}
	}
	return out
}
