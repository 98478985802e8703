// Package velocity provides per-subject event velocity enrichment.
package velocity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// FeatureName is the feature key the count is published under.
const FeatureName = "velocity_count"

// Service counts events per subject within a rolling window.
type Service struct {
	cache  domain.Cache
	window time.Duration
}

// NewService creates a velocity service backed by the cache counters.
func NewService(cache domain.Cache, window time.Duration) *Service {
	if window <= 0 {
		window = time.Hour
	}
	return &Service{
		cache:  cache,
		window: window,
	}
}

// Record counts one more event for the subject and returns the count in the
// current window.
func (s *Service) Record(ctx context.Context, eventDomain, subjectID string) (int64, error) {
	if subjectID == "" {
		return 0, fmt.Errorf("subjectID is required")
	}
	return s.cache.IncrementCounter(ctx, key(eventDomain, subjectID), s.window)
}

// Enrich returns a copy of the event carrying the velocity_count feature.
// Events without a subject, or a counter failure, leave the event unchanged.
func (s *Service) Enrich(ctx context.Context, ev domain.Event) domain.Event {
	if ev.SubjectID == "" {
		return ev
	}

	count, err := s.Record(ctx, ev.Domain, ev.SubjectID)
	if err != nil {
		slog.WarnContext(ctx, "velocity counter failed",
			"event_id", ev.ID,
			"subject_id", ev.SubjectID,
			"error", err,
		)
		return ev
	}
	return ev.WithFeature(FeatureName, count)
}

func key(eventDomain, subjectID string) string {
	return "velocity:" + eventDomain + ":" + subjectID
}
