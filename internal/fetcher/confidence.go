package fetcher

import (
	"strconv"
	"strings"

	"firms-hotspot-alerts/internal/hotspot"
)

var letterConfidence = map[string]hotspot.Confidence{
	"l":       hotspot.ConfidenceLow,
	"low":     hotspot.ConfidenceLow,
	"n":       hotspot.ConfidenceNominal,
	"nominal": hotspot.ConfidenceNominal,
	"h":       hotspot.ConfidenceHigh,
	"high":    hotspot.ConfidenceHigh,
}

// NormalizeConfidence maps VIIRS letter codes and MODIS percentages onto the
// three level scale. Empty or unrecognised values are nominal.
func NormalizeConfidence(raw string) hotspot.Confidence {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return hotspot.ConfidenceNominal
	}
	if c, ok := letterConfidence[v]; ok {
		return c
	}
	pct, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return hotspot.ConfidenceNominal
	}
	switch {
	case pct >= 80:
		return hotspot.ConfidenceHigh
	case pct >= 30:
		return hotspot.ConfidenceNominal
	default:
		return hotspot.ConfidenceLow
	}
}
