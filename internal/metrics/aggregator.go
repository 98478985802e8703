// Package metrics derives prevention statistics from case history and
// exposes them to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// HistorySource supplies read-only copies of cases.
type HistorySource interface {
	History(ctx context.Context, since time.Time) []*domain.Case
}

// Snapshot is an aggregate view over a window of case history.
type Snapshot struct {
	Window time.Duration `json:"window"`
	From   *time.Time    `json:"from,omitempty"`
	At     time.Time     `json:"at"`

	// Cases that reached a verdict
	TotalProcessed int `json:"totalProcessed"`
	InFlight       int `json:"inFlight"`

	Prevented      int     `json:"prevented"`
	PreventionRate float64 `json:"preventionRate"` // percent
	PendingReview  int     `json:"pendingReview"`

	// Over cases resolved at the Prevention stage
	AvgResponseTime time.Duration `json:"avgResponseTime"`
	AvgResponseMs   float64       `json:"avgResponseMs"`

	ActionCounts         map[domain.ActionKind]int     `json:"actionCounts"`
	ClassificationCounts map[domain.Classification]int `json:"classificationCounts"`

	AmountPrevented decimal.Decimal `json:"amountPrevented"`
}

// Aggregator computes snapshots. It keeps no counters of its own.
type Aggregator struct {
	source HistorySource
	now    func() time.Time
}

// NewAggregator creates an aggregator over source.
func NewAggregator(source HistorySource) *Aggregator {
	return &Aggregator{source: source, now: time.Now}
}

// Snapshot aggregates cases created within window of now. A window of zero
// covers all history.
func (a *Aggregator) Snapshot(ctx context.Context, window time.Duration) Snapshot {
	now := a.now()

	var since time.Time
	snap := Snapshot{Window: window, At: now}
	if window > 0 {
		since = now.Add(-window)
		snap.From = &since
	}

	return project(snap, a.source.History(ctx, since))
}

// project folds cases into the snapshot.
func project(snap Snapshot, cases []*domain.Case) Snapshot {
	snap.ActionCounts = make(map[domain.ActionKind]int, len(domain.ActionKinds))
	for _, k := range domain.ActionKinds {
		snap.ActionCounts[k] = 0
	}
	snap.ClassificationCounts = map[domain.Classification]int{
		domain.ClassificationAutoPrevented:      0,
		domain.ClassificationNeedsInvestigation: 0,
		domain.ClassificationReleased:           0,
	}
	snap.AmountPrevented = decimal.Zero

	var latency time.Duration
	resolved := 0

	for _, c := range cases {
		if c.InFlight() {
			snap.InFlight++
			continue
		}

		snap.TotalProcessed++
		snap.ClassificationCounts[c.Classification]++
		snap.ActionCounts[c.Action.Kind]++

		switch c.Status {
		case domain.StatusPrevented:
			snap.Prevented++
			snap.AmountPrevented = snap.AmountPrevented.Add(c.Amount)
		case domain.StatusPendingReview:
			snap.PendingReview++
		}

		if c.DecidedAt != nil {
			latency += c.ResponseLatency
			resolved++
		}
	}

	if snap.TotalProcessed > 0 {
		snap.PreventionRate = float64(snap.Prevented) / float64(snap.TotalProcessed) * 100
	}
	if resolved > 0 {
		snap.AvgResponseTime = latency / time.Duration(resolved)
		snap.AvgResponseMs = float64(snap.AvgResponseTime) / float64(time.Millisecond)
	}
	return snap
}
