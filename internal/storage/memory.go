package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"firms-hotspot-alerts/internal/hotspot"
)

// Memory is a process-local Store used by tests and the memory driver.
type Memory struct {
	mu            sync.Mutex
	now           func() time.Time
	nextID        int64
	hotspots      []hotspot.Detection
	index         map[hotspot.Key]int
	checkLogs     []CheckLog
	notifications []NotificationRecord
	settings      map[string]Setting
	failInsert    error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		index:    make(map[hotspot.Key]int),
		settings: make(map[string]Setting),
	}
}

// FailInserts makes subsequent InsertNew calls return err until called with nil.
func (m *Memory) FailInserts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failInsert = err
}

func (m *Memory) Close()                        {}
func (m *Memory) Ping(context.Context) error    { return nil }
func (m *Memory) Migrate(context.Context) error { return nil }

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// InsertNew inserts absent detections; a failure leaves the store untouched.
func (m *Memory) InsertNew(ctx context.Context, dets []hotspot.Detection) ([]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert != nil {
		return nil, m.failInsert
	}

	inserted := make([]bool, len(dets))
	created := m.now().UTC()
	for i, d := range dets {
		key := d.Key()
		if _, ok := m.index[key]; ok {
			continue
		}
		d.ID = m.id()
		d.CreatedAt = created
		d.Notified = false
		d.NotifiedAt = nil
		m.index[key] = len(m.hotspots)
		m.hotspots = append(m.hotspots, d)
		inserted[i] = true
	}
	return inserted, nil
}

// MarkNotified stamps the given detections as included in a sent alert.
func (m *Memory) MarkNotified(_ context.Context, keys []hotspot.Key, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		idx, ok := m.index[k]
		if !ok {
			continue
		}
		stamp := at
		m.hotspots[idx].Notified = true
		m.hotspots[idx].NotifiedAt = &stamp
	}
	return nil
}

// ListRecentHotspots lists the most recently stored detections.
func (m *Memory) ListRecentHotspots(_ context.Context, limit int) ([]hotspot.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]hotspot.Detection, 0, limit)
	for i := len(m.hotspots) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.hotspots[i])
	}
	return out, nil
}

// ListHotspotsByDates lists detections acquired on any of the given local dates.
func (m *Memory) ListHotspotsByDates(_ context.Context, dates []string) ([]hotspot.Detection, error) {
	want := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		want[d] = struct{}{}
	}
	m.mu.Lock()
	out := make([]hotspot.Detection, 0)
	for _, d := range m.hotspots {
		if _, ok := want[d.AcqDate]; ok {
			out = append(out, d)
		}
	}
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AcqDate != out[j].AcqDate {
			return out[i].AcqDate > out[j].AcqDate
		}
		return out[i].AcqTime > out[j].AcqTime
	})
	return out, nil
}

// ListHotspotsBetween lists detections acquired within [from, to).
func (m *Memory) ListHotspotsBetween(_ context.Context, from, to time.Time) ([]hotspot.Detection, error) {
	m.mu.Lock()
	out := make([]hotspot.Detection, 0)
	for _, d := range m.hotspots {
		if !d.AcquiredAt.Before(from) && d.AcquiredAt.Before(to) {
			out = append(out, d)
		}
	}
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out, nil
}

// CountHotspots counts stored detections.
func (m *Memory) CountHotspots(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.hotspots)), nil
}

// PurgeBefore deletes history older than before and returns the number of detections removed.
func (m *Memory) PurgeBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.hotspots[:0]
	var removed int64
	for _, d := range m.hotspots {
		if d.AcquiredAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, d)
	}
	m.hotspots = kept
	m.index = make(map[hotspot.Key]int, len(kept))
	for i, d := range kept {
		m.index[d.Key()] = i
	}

	logs := m.checkLogs[:0]
	for _, l := range m.checkLogs {
		if !l.CheckedAt.Before(before) {
			logs = append(logs, l)
		}
	}
	m.checkLogs = logs

	notes := m.notifications[:0]
	for _, n := range m.notifications {
		if !n.SentAt.Before(before) {
			notes = append(notes, n)
		}
	}
	m.notifications = notes
	return removed, nil
}

// InsertCheckLog appends a poll outcome.
func (m *Memory) InsertCheckLog(_ context.Context, log CheckLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.ID = m.id()
	m.checkLogs = append(m.checkLogs, log)
	return nil
}

// ListRecentCheckLogs lists the latest poll outcomes.
func (m *Memory) ListRecentCheckLogs(_ context.Context, limit int) ([]CheckLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CheckLog, 0, limit)
	for i := len(m.checkLogs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.checkLogs[i])
	}
	return out, nil
}

// InsertNotification persists a message attempt.
func (m *Memory) InsertNotification(_ context.Context, rec NotificationRecord) (NotificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.id()
	if rec.SentAt.IsZero() {
		rec.SentAt = m.now().UTC()
	}
	m.notifications = append(m.notifications, rec)
	return rec, nil
}

// ListRecentNotifications lists the latest message attempts.
func (m *Memory) ListRecentNotifications(_ context.Context, limit int) ([]NotificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NotificationRecord, 0, limit)
	for i := len(m.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.notifications[i])
	}
	return out, nil
}

// GetSetting reads one setting.
func (m *Memory) GetSetting(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.settings[key]
	return st.Value, ok, nil
}

// PutSetting upserts one setting.
func (m *Memory) PutSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = Setting{Key: key, Value: value, UpdatedAt: m.now().UTC()}
	return nil
}

// ListSettings lists every setting.
func (m *Memory) ListSettings(context.Context) ([]Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Setting, 0, len(m.settings))
	for _, st := range m.settings {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

var _ Store = (*Memory)(nil)
