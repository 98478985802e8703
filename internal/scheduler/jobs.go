package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Job names.
const (
	JobRuleSync      = "rule-sync"
	JobStaleRecovery = "stale-recovery"
)

// RuleReloader refreshes the prevention rule snapshot from storage.
type RuleReloader interface {
	Reload(ctx context.Context) (bool, error)
}

// StaleRecoverer routes cases stuck in flight to human review.
type StaleRecoverer interface {
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// RuleSync picks up rule changes made by other instances.
func RuleSync(schedule string, rules RuleReloader) Job {
	return Job{
		Name:     JobRuleSync,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			changed, err := rules.Reload(ctx)
			if err != nil {
				return err
			}
			if changed {
				slog.Info("rule set synchronised from storage")
			}
			return nil
		},
	}
}

// StaleRecovery escalates cases that stayed in flight longer than olderThan.
func StaleRecovery(schedule string, olderThan time.Duration, p StaleRecoverer) Job {
	return Job{
		Name:     JobStaleRecovery,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := p.RecoverStale(ctx, olderThan)
			if n > 0 {
				slog.Warn("stale cases routed to review",
					"count", n,
					"older_than", olderThan.String(),
				)
			}
			return err
		},
	}
}
