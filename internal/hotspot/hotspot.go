// Package hotspot holds the satellite hotspot detection model shared by the
// fetcher, storage and scheduling layers.
package hotspot

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DateLayout is the local acquisition date format stored with each detection.
	DateLayout = "2006-01-02"
	// TimeLayout is the local acquisition time-of-day format (HHMM).
	TimeLayout = "1504"
)

// Confidence is the three level ordinal scale detections are normalised to.
type Confidence string

const (
	ConfidenceLow     Confidence = "low"
	ConfidenceNominal Confidence = "nominal"
	ConfidenceHigh    Confidence = "high"
)

// Rank orders confidence levels; unknown values rank as nominal.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceLow:
		return 0
	case ConfidenceHigh:
		return 2
	default:
		return 1
	}
}

// AtLeast reports whether c is at or above min.
func (c Confidence) AtLeast(min Confidence) bool {
	return c.Rank() >= min.Rank()
}

// ParseConfidence accepts a level name and reports whether it was recognised.
func ParseConfidence(v string) (Confidence, bool) {
	switch Confidence(strings.ToLower(strings.TrimSpace(v))) {
	case ConfidenceLow:
		return ConfidenceLow, true
	case ConfidenceNominal:
		return ConfidenceNominal, true
	case ConfidenceHigh:
		return ConfidenceHigh, true
	}
	return ConfidenceNominal, false
}

// Detection is one hotspot observation. Identity is Key(); everything else is payload.
type Detection struct {
	ID         int64
	Latitude   decimal.Decimal
	Longitude  decimal.Decimal
	AcqDate    string
	AcqTime    string
	AcquiredAt time.Time
	Source     string
	Instrument string
	Version    string
	Confidence Confidence
	Brightness decimal.Decimal
	BrightT31  decimal.Decimal
	Scan       decimal.Decimal
	Track      decimal.Decimal
	FRP        decimal.Decimal
	DayNight   string
	Region     string
	Notified   bool
	NotifiedAt *time.Time
	CreatedAt  time.Time
}

// Key is the natural identity of a detection.
type Key struct {
	Latitude  string
	Longitude string
	AcqDate   string
	AcqTime   string
	Source    string
}

// Key returns the identity key with coordinates in canonical decimal form.
func (d Detection) Key() Key {
	return Key{
		Latitude:  d.Latitude.String(),
		Longitude: d.Longitude.String(),
		AcqDate:   d.AcqDate,
		AcqTime:   d.AcqTime,
		Source:    d.Source,
	}
}

// SourceName maps a feed source identifier (VIIRS_SNPP_NRT) to the satellite
// name detections are keyed and tallied by (VIIRS_SNPP).
func SourceName(feedSource string) string {
	return strings.TrimSuffix(strings.TrimSpace(feedSource), "_NRT")
}

// ShortName drops the instrument prefix for display (VIIRS_NOAA20 -> NOAA20).
func ShortName(source string) string {
	if idx := strings.Index(source, "_"); idx >= 0 && idx < len(source)-1 {
		return source[idx+1:]
	}
	return source
}

// Tally is a per-source count with the most recent acquisition time seen.
type Tally struct {
	Count  int
	Latest time.Time
}

// TallyBySource groups detections by source.
func TallyBySource(dets []Detection) map[string]Tally {
	out := make(map[string]Tally)
	for _, d := range dets {
		t := out[d.Source]
		t.Count++
		if d.AcquiredAt.After(t.Latest) {
			t.Latest = d.AcquiredAt
		}
		out[d.Source] = t
	}
	return out
}
