package fetcher

import (
	"context"
	"errors"

	"firms-hotspot-alerts/internal/hotspot"
)

// ErrInvalidKey is returned when the feed body carries an invalid-credential marker.
var ErrInvalidKey = errors.New("firms: invalid map key")

// Feed retrieves normalised detections for a set of feed sources.
// Failures are source-local: a failing source contributes nothing and the
// rest of the batch is still returned.
type Feed interface {
	Fetch(ctx context.Context, sources []string, lookbackHours int) []hotspot.Detection
}

// SourceFetcher retrieves a single source and reports its failure.
type SourceFetcher interface {
	FetchSource(ctx context.Context, source string, lookbackHours int) ([]hotspot.Detection, error)
}
