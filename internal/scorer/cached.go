package scorer

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Cached serves assessments from the cache so a redelivered event is not
// scored twice. Cache failures fall through to the wrapped scorer.
type Cached struct {
	next  domain.RiskScorer
	cache domain.Cache
	ttl   time.Duration
}

// NewCached wraps next with an assessment cache.
func NewCached(next domain.RiskScorer, cache domain.Cache, ttl time.Duration) *Cached {
	return &Cached{next: next, cache: cache, ttl: ttl}
}

// Score implements domain.RiskScorer.
func (c *Cached) Score(ctx context.Context, ev domain.Event) (*domain.RiskAssessment, error) {
	if a, err := c.cache.GetAssessment(ctx, ev.ID); err != nil {
		slog.WarnContext(ctx, "assessment cache read failed", "event_id", ev.ID, "error", err)
	} else if a != nil {
		return a, nil
	}

	a, err := c.next.Score(ctx, ev)
	if err != nil {
		return nil, err
	}

	if err := c.cache.SetAssessment(ctx, a, c.ttl); err != nil {
		slog.WarnContext(ctx, "assessment cache write failed", "event_id", ev.ID, "error", err)
	}
	return a, nil
}
