package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// PollWindow is a daily time-of-day interval [Start, End) in minutes after local midnight.
// A window whose End is not after its Start wraps past midnight.
type PollWindow struct {
	Start int
	End   int
}

// ParseWindow parses "HH:MM-HH:MM".
func ParseWindow(spec string) (PollWindow, error) {
	parts := strings.Split(strings.TrimSpace(spec), "-")
	if len(parts) != 2 {
		return PollWindow{}, fmt.Errorf("window %q: expected HH:MM-HH:MM", spec)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return PollWindow{}, fmt.Errorf("window %q: %w", spec, err)
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return PollWindow{}, fmt.Errorf("window %q: %w", spec, err)
	}
	if start == end {
		return PollWindow{}, fmt.Errorf("window %q: start equals end", spec)
	}
	return PollWindow{Start: start, End: end}, nil
}

// ParseWindows parses every spec and rejects overlapping windows.
func ParseWindows(specs []string) ([]PollWindow, error) {
	windows := make([]PollWindow, 0, len(specs))
	for _, spec := range specs {
		w, err := ParseWindow(spec)
		if err != nil {
			return nil, err
		}
		for _, other := range windows {
			if w.overlaps(other) {
				return nil, fmt.Errorf("window %s overlaps %s", w, other)
			}
		}
		windows = append(windows, w)
	}
	return windows, nil
}

func parseClock(v string) (int, error) {
	hm := strings.Split(strings.TrimSpace(v), ":")
	if len(hm) != 2 {
		return 0, fmt.Errorf("bad clock value %q", v)
	}
	h, err := strconv.Atoi(hm[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("bad hour in %q", v)
	}
	m, err := strconv.Atoi(hm[1])
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("bad minute in %q", v)
	}
	return (h*60 + m) % minutesPerDay, nil
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// Contains reports whether t's local time of day falls inside the window.
// The start boundary is inside, the end boundary is outside.
func (w PollWindow) Contains(t time.Time) bool {
	return w.containsMinute(minuteOfDay(t))
}

// EndsAt reports whether t is the window's end minute.
func (w PollWindow) EndsAt(t time.Time) bool {
	return minuteOfDay(t) == w.End
}

// StartOn returns the start instant of the occurrence of w that contains or
// most recently began before t, in t's location.
func (w PollWindow) StartOn(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	start := day.Add(time.Duration(w.Start) * time.Minute)
	if start.After(t) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

func (w PollWindow) overlaps(o PollWindow) bool {
	for m := w.Start; m != w.End; m = (m + 1) % minutesPerDay {
		if o.containsMinute(m) {
			return true
		}
	}
	return false
}

func (w PollWindow) containsMinute(m int) bool {
	if w.Start < w.End {
		return m >= w.Start && m < w.End
	}
	return m >= w.Start || m < w.End
}

func (w PollWindow) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}
