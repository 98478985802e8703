// Package review applies reviewer decisions to cases and maintains the
// learning feedback counters.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/casestore"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// LearningStore persists the learning counters.
type LearningStore interface {
	SaveLearningState(ctx context.Context, st domain.LearningState) error
	LoadLearningState(ctx context.Context) (*domain.LearningState, error)
}

// Operation names a reviewer decision.
type Operation string

const (
	OpOverride Operation = "override"
	OpApprove  Operation = "approve"
	OpRelease  Operation = "release"
)

// Coordinator validates and applies reviewer decisions.
type Coordinator struct {
	cases *casestore.Store
	store LearningStore
	bus   domain.EventBus

	mu      sync.Mutex
	state   domain.LearningState
	step    float64
	ceiling float64

	now func() time.Time
}

// NewCoordinator creates a coordinator. store and bus may be nil.
func NewCoordinator(cases *casestore.Store, store LearningStore, bus domain.EventBus, cfg domain.LearningConfig) *Coordinator {
	return &Coordinator{
		cases:   cases,
		store:   store,
		bus:     bus,
		step:    cfg.Step,
		ceiling: cfg.Ceiling,
		now:     time.Now,
	}
}

// Load restores the persisted learning counters. A missing record leaves
// the counters at zero.
func (c *Coordinator) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}

	st, err := c.store.LoadLearningState(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading learning state: %w", err)
	}

	c.mu.Lock()
	c.state = *st
	c.mu.Unlock()
	return nil
}

// Learning returns a copy of the current counters.
func (c *Coordinator) Learning() domain.LearningState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state
	if st.LastRetrain != nil {
		t := *st.LastRetrain
		st.LastRetrain = &t
	}
	return st
}

// Override releases an automated prevention and emits a retrain signal.
// The case must be AutoPrevented and eligible for override.
func (c *Coordinator) Override(ctx context.Context, caseID, reviewer string) (*domain.Case, error) {
	updated, err := c.apply(ctx, caseID, reviewer, OpOverride, func(cs *domain.Case) error {
		if cs.Classification != domain.ClassificationAutoPrevented || !cs.CanOverride {
			return fmt.Errorf("%w: override requires an overridable AutoPrevented case, got %s", domain.ErrInvalidTransition, cs.Classification)
		}
		cs.Stage = domain.StageLearning
		cs.Classification = domain.ClassificationReleased
		cs.Status = domain.StatusReleased
		cs.Action = domain.Action{Kind: domain.ActionNone, Description: "Automated prevention overridden"}
		cs.CanOverride = false
		cs.RequiresReview = false
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.retrain(ctx)
	return updated, nil
}

// ApprovePrevention confirms a case under investigation as fraud. The
// payment stays held; the learning counters are untouched.
func (c *Coordinator) ApprovePrevention(ctx context.Context, caseID, reviewer string) (*domain.Case, error) {
	return c.apply(ctx, caseID, reviewer, OpApprove, func(cs *domain.Case) error {
		if cs.Classification != domain.ClassificationNeedsInvestigation {
			return fmt.Errorf("%w: approve requires a NeedsInvestigation case, got %s", domain.ErrInvalidTransition, cs.Classification)
		}
		cs.Stage = domain.StageLearning
		cs.Classification = domain.ClassificationAutoPrevented
		cs.Status = domain.StatusPrevented
		cs.Action = domain.Action{Kind: domain.ActionPaymentHeld, Description: "Prevention approved after investigation"}
		cs.CanOverride = true
		cs.RequiresReview = false
		return nil
	})
}

// Release clears a case under investigation. The learning counters are untouched.
func (c *Coordinator) Release(ctx context.Context, caseID, reviewer string) (*domain.Case, error) {
	return c.apply(ctx, caseID, reviewer, OpRelease, func(cs *domain.Case) error {
		if cs.Classification != domain.ClassificationNeedsInvestigation {
			return fmt.Errorf("%w: release requires a NeedsInvestigation case, got %s", domain.ErrInvalidTransition, cs.Classification)
		}
		cs.Stage = domain.StageLearning
		cs.Classification = domain.ClassificationReleased
		cs.Status = domain.StatusReleased
		cs.Action = domain.Action{Kind: domain.ActionNone, Description: "Released after investigation"}
		cs.CanOverride = false
		cs.RequiresReview = false
		return nil
	})
}

// Apply dispatches a reviewer decision by name.
func (c *Coordinator) Apply(ctx context.Context, op Operation, caseID, reviewer string) (*domain.Case, error) {
	switch op {
	case OpOverride:
		return c.Override(ctx, caseID, reviewer)
	case OpApprove:
		return c.ApprovePrevention(ctx, caseID, reviewer)
	case OpRelease:
		return c.Release(ctx, caseID, reviewer)
	}
	return nil, fmt.Errorf("%w: unknown review operation %q", domain.ErrValidation, op)
}

func (c *Coordinator) apply(ctx context.Context, caseID, reviewer string, op Operation, fn casestore.UpdateFunc) (*domain.Case, error) {
	updated, err := c.cases.Update(ctx, caseID, func(cs *domain.Case) error {
		if cs.Terminal() {
			return fmt.Errorf("%w: case %s", domain.ErrAlreadyTerminal, cs.ID)
		}
		if cs.InFlight() {
			return fmt.Errorf("%w: case %s has no verdict yet", domain.ErrInvalidTransition, cs.ID)
		}
		if err := fn(cs); err != nil {
			return err
		}
		cs.ReviewedBy = reviewer
		cs.Record(reviewerActor(reviewer), string(op), c.now())
		return nil
	})
	if err != nil {
		slog.DebugContext(ctx, "review rejected",
			"case_id", caseID,
			"operation", op,
			"error", err,
		)
		return nil, err
	}

	slog.InfoContext(ctx, "case reviewed",
		"case_id", updated.ID,
		"operation", op,
		"reviewer", reviewer,
		"classification", updated.Classification,
	)
	c.publish(ctx, updated)
	return updated, nil
}

// retrain records one override in the learning counters. The accuracy
// estimate approaches the ceiling by step of the remaining gap.
func (c *Coordinator) retrain(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.state.RetrainCount++
	c.state.LastRetrain = &now
	c.state.AccuracyImprovement += c.step * (c.ceiling - c.state.AccuracyImprovement)

	slog.InfoContext(ctx, "retrain signalled",
		"retrain_count", c.state.RetrainCount,
		"accuracy_improvement", c.state.AccuracyImprovement,
	)

	// Saved under the lock so writes reach the store in counter order.
	if c.store == nil {
		return
	}
	if err := c.store.SaveLearningState(ctx, c.state); err != nil {
		slog.ErrorContext(ctx, "failed to persist learning state",
			"retrain_count", c.state.RetrainCount,
			"error", err,
		)
	}
}

func (c *Coordinator) publish(ctx context.Context, cs *domain.Case) {
	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.NoticeFor(cs))
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, domain.TopicCaseReviewed, payload); err != nil {
		slog.ErrorContext(ctx, "failed to publish review notice",
			"case_id", cs.ID,
			"error", err,
		)
	}
}

func reviewerActor(reviewer string) string {
	if reviewer == "" {
		return "reviewer"
	}
	return "reviewer:" + reviewer
}
