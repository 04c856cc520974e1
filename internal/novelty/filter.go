// Package novelty decides which fetched detections have not been seen before.
package novelty

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"firms-hotspot-alerts/internal/hotspot"
	"firms-hotspot-alerts/internal/storage"
)

// Filter gates detections through the dedup store.
type Filter struct {
	store  storage.HotspotStore
	logger zerolog.Logger
}

// New constructs a Filter backed by store.
func New(store storage.HotspotStore, logger zerolog.Logger) *Filter {
	return &Filter{store: store, logger: logger.With().Str("component", "novelty").Logger()}
}

// FilterNew stores every candidate whose identity key is absent and returns
// exactly those, in input order. The insert and the novelty decision come from
// the same transaction, so a detection is never reported novel twice.
func (f *Filter) FilterNew(ctx context.Context, candidates []hotspot.Detection) ([]hotspot.Detection, error) {
	if len(candidates) == 0 {
		return []hotspot.Detection{}, nil
	}

	inserted, err := f.store.InsertNew(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("store detections: %w", err)
	}
	if len(inserted) != len(candidates) {
		return nil, fmt.Errorf("store detections: got %d results for %d candidates", len(inserted), len(candidates))
	}

	novel := make([]hotspot.Detection, 0, len(candidates))
	for i, ok := range inserted {
		if ok {
			novel = append(novel, candidates[i])
		}
	}
	f.logger.Debug().Int("candidates", len(candidates)).Int("novel", len(novel)).Msg("novelty filter applied")
	return novel, nil
}
