// Package aggregator accumulates per-source detection tallies across one
// monitoring window.
package aggregator

import (
	"sort"
	"sync"
	"time"

	"firms-hotspot-alerts/internal/hotspot"
)

// Snapshot is a point-in-time copy of the window state, safe to format and share.
type Snapshot struct {
	Tallies       map[string]hotspot.Tally
	Sources       []string
	Total         int
	Reported      int
	Expected      int
	Complete      bool
	Quiesced      bool
	AllReportedAt *time.Time
}

// Tally returns the tally for source and whether it has reported.
func (s Snapshot) Tally(source string) (hotspot.Tally, bool) {
	t, ok := s.Tallies[source]
	return t, ok
}

// Aggregator owns the window state. All methods are safe for concurrent use.
type Aggregator struct {
	mu            sync.Mutex
	sources       []string
	expected      map[string]struct{}
	tallies       map[string]hotspot.Tally
	allReportedAt *time.Time
	quiesced      bool
}

// New builds an empty aggregator for the full configured source set.
func New(sources []string) *Aggregator {
	expected := make(map[string]struct{}, len(sources))
	ordered := make([]string, 0, len(sources))
	for _, s := range sources {
		if _, dup := expected[s]; dup {
			continue
		}
		expected[s] = struct{}{}
		ordered = append(ordered, s)
	}
	return &Aggregator{
		sources:  ordered,
		expected: expected,
		tallies:  make(map[string]hotspot.Tally),
	}
}

// RecordNovel merges one poll's per-source novel tallies. Counts add up and
// the latest time is overwritten by the newer poll. Entries with a zero count
// only refresh the latest time of a source that already reported.
// The returned flag is true only on the update that first completes the
// configured source set; at is recorded as that moment.
func (a *Aggregator) RecordNovel(perSource map[string]hotspot.Tally, at time.Time) (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for source, t := range perSource {
		current, seen := a.tallies[source]
		if t.Count <= 0 {
			if seen && !t.Latest.IsZero() {
				current.Latest = t.Latest
				a.tallies[source] = current
			}
			continue
		}
		current.Count += t.Count
		if !t.Latest.IsZero() {
			current.Latest = t.Latest
		}
		a.tallies[source] = current
	}

	completed := false
	if a.allReportedAt == nil && a.completeLocked() {
		stamp := at
		a.allReportedAt = &stamp
		completed = true
	}
	return a.snapshotLocked(), completed
}

// MarkQuiesced sets the quiesced flag and reports whether this call set it.
func (a *Aggregator) MarkQuiesced() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.quiesced {
		return false
	}
	a.quiesced = true
	return true
}

// Quiesced reports whether the window has been quiesced.
func (a *Aggregator) Quiesced() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.quiesced
}

// AllReportedAt returns when every source first reported, if they have.
func (a *Aggregator) AllReportedAt() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.allReportedAt == nil {
		return time.Time{}, false
	}
	return *a.allReportedAt, true
}

// Snapshot copies the current state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Reset clears tallies and both per-window flags.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tallies = make(map[string]hotspot.Tally)
	a.allReportedAt = nil
	a.quiesced = false
}

func (a *Aggregator) completeLocked() bool {
	if len(a.expected) == 0 {
		return false
	}
	for s := range a.expected {
		if _, ok := a.tallies[s]; !ok {
			return false
		}
	}
	return true
}

func (a *Aggregator) snapshotLocked() Snapshot {
	tallies := make(map[string]hotspot.Tally, len(a.tallies))
	total := 0
	reported := 0
	for source, t := range a.tallies {
		tallies[source] = t
		total += t.Count
		if _, ok := a.expected[source]; ok {
			reported++
		}
	}

	var extra []string
	for source := range a.tallies {
		if _, ok := a.expected[source]; !ok {
			extra = append(extra, source)
		}
	}
	sort.Strings(extra)
	sources := append(append([]string(nil), a.sources...), extra...)

	var allAt *time.Time
	if a.allReportedAt != nil {
		stamp := *a.allReportedAt
		allAt = &stamp
	}
	return Snapshot{
		Tallies:       tallies,
		Sources:       sources,
		Total:         total,
		Reported:      reported,
		Expected:      len(a.sources),
		Complete:      a.allReportedAt != nil,
		Quiesced:      a.quiesced,
		AllReportedAt: allAt,
	}
}
