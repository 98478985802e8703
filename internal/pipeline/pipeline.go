// Package pipeline drives events through the Detection, Analysis and
// Prevention stages and records every transition in the case store.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/casestore"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

var tracer = otel.Tracer("kestrel-pipeline")

var validate = validator.New()

// errSkip aborts an update that no longer applies.
var errSkip = errors.New("transition no longer applies")

// EventStore persists accepted events.
type EventStore interface {
	SaveEvent(ctx context.Context, ev *domain.Event) error
}

// Deps are the collaborators of a pipeline. Cases, Scorer, Analysis and
// Engine are required; the rest are optional.
type Deps struct {
	Cases    *casestore.Store
	Scorer   domain.RiskScorer
	Analysis *analysis.Processor
	Engine   *rules.Engine

	Events   EventStore
	Cache    domain.Cache
	Velocity *velocity.Service
	Bus      domain.EventBus

	// How long an event id stays claimed in the cache
	DedupeTTL time.Duration
}

// Pipeline is the staged decision pipeline.
type Pipeline struct {
	cases    *casestore.Store
	scorer   domain.RiskScorer
	analysis *analysis.Processor
	engine   *rules.Engine

	events    EventStore
	cache     domain.Cache
	velocity  *velocity.Service
	bus       domain.EventBus
	dedupeTTL time.Duration

	now   func() time.Time
	newID func() string
}

// New creates a pipeline.
func New(d Deps) *Pipeline {
	return &Pipeline{
		cases:     d.Cases,
		scorer:    d.Scorer,
		analysis:  d.Analysis,
		engine:    d.Engine,
		events:    d.Events,
		cache:     d.Cache,
		velocity:  d.Velocity,
		bus:       d.Bus,
		dedupeTTL: d.DedupeTTL,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// Validate checks the fields an event must carry before it enters the pipeline.
func Validate(ev domain.Event) error {
	if err := validate.Struct(ev); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}
	if ev.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", domain.ErrInvalidEvent)
	}
	return nil
}

// Submit accepts an event and runs it through every stage before returning
// the case id. Submitting an event id twice returns the existing case.
func (p *Pipeline) Submit(ctx context.Context, ev domain.Event) (string, error) {
	caseID, created, err := p.accept(ctx, ev)
	if err != nil {
		return "", err
	}
	if !created {
		return caseID, nil
	}

	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = p.now()
	}
	if _, err := p.Process(ctx, caseID, ev); err != nil {
		return caseID, err
	}
	return caseID, nil
}

// Enqueue accepts an event and hands it to the event bus. If the bus is
// unavailable the event is processed inline.
func (p *Pipeline) Enqueue(ctx context.Context, ev domain.Event) (string, error) {
	caseID, created, err := p.accept(ctx, ev)
	if err != nil {
		return "", err
	}
	if !created {
		return caseID, nil
	}

	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = p.now()
	}

	if p.bus != nil {
		payload, err := json.Marshal(domain.SubmittedEvent{CaseID: caseID, Event: ev})
		if err == nil {
			err = p.bus.Publish(ctx, domain.TopicEventSubmitted, payload)
		}
		if err == nil {
			return caseID, nil
		}
		slog.WarnContext(ctx, "enqueue failed, processing inline",
			"case_id", caseID,
			"event_id", ev.ID,
			"error", err,
		)
	}

	if _, err := p.Process(ctx, caseID, ev); err != nil {
		return caseID, err
	}
	return caseID, nil
}

// accept validates the event and creates its case at Detection. created is
// false when the event already has a case.
func (p *Pipeline) accept(ctx context.Context, ev domain.Event) (caseID string, created bool, err error) {
	if err := Validate(ev); err != nil {
		return "", false, err
	}

	if existing, err := p.cases.GetByEvent(ctx, ev.ID); err == nil {
		return existing.ID, false, nil
	}

	caseID = p.newID()
	if p.cache != nil {
		owner, claimed, claimErr := p.claim(ctx, ev.ID, caseID)
		if claimErr != nil {
			slog.WarnContext(ctx, "event dedupe claim failed", "event_id", ev.ID, "error", claimErr)
		}
		if owner != "" {
			return owner, false, nil
		}
		if claimed {
			defer func() {
				if err != nil {
					p.unclaim(ctx, ev.ID)
				}
			}()
		}
	}

	if p.events != nil {
		if err := p.events.SaveEvent(ctx, &ev); err != nil {
			return "", false, fmt.Errorf("saving event: %w", err)
		}
	}

	c := domain.NewCase(caseID, ev, p.now())
	if err := p.cases.Insert(ctx, c); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			if existing, getErr := p.cases.GetByEvent(ctx, ev.ID); getErr == nil {
				return existing.ID, false, nil
			}
		}
		return "", false, err
	}

	slog.DebugContext(ctx, "event accepted",
		"case_id", caseID,
		"event_id", ev.ID,
		"domain", ev.Domain,
	)
	return caseID, true, nil
}

// claim reserves an event id for caseID in the cache. owner is set when a
// case that already exists holds the claim. A claim whose case cannot be
// found is dropped and taken over.
func (p *Pipeline) claim(ctx context.Context, eventID, caseID string) (owner string, claimed bool, err error) {
	key := cache.EventKey(eventID)
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := p.cache.SetNX(ctx, key, []byte(caseID), p.dedupeTTL)
		if err != nil {
			return "", false, err
		}
		if ok {
			return "", true, nil
		}

		held, err := p.cache.Get(ctx, key)
		if err != nil {
			return "", false, err
		}
		if len(held) == 0 {
			continue
		}
		_, err = p.cases.Get(ctx, string(held))
		if err == nil {
			return string(held), false, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return "", false, err
		}

		slog.WarnContext(ctx, "dropping stale event claim",
			"event_id", eventID,
			"claimed_by", string(held),
		)
		if err := p.cache.Delete(ctx, key); err != nil {
			return "", false, err
		}
	}
	return "", false, nil
}

// unclaim releases the event id after a failed accept so a retry can create the case.
func (p *Pipeline) unclaim(ctx context.Context, eventID string) {
	if err := p.cache.Delete(context.WithoutCancel(ctx), cache.EventKey(eventID)); err != nil {
		slog.WarnContext(ctx, "failed to release event claim", "event_id", eventID, "error", err)
	}
}

// Process drives a case from its current stage to a verdict. A case that
// already has a verdict is returned unchanged, so redelivered events are safe.
// If ctx is cancelled the case stays at its last persisted stage.
func (p *Pipeline) Process(ctx context.Context, caseID string, ev domain.Event) (*domain.Case, error) {
	c, err := p.cases.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}

	if c.InFlight() && c.Stage == domain.StageDetection {
		c, err = p.detect(ctx, c, ev)
		if err != nil {
			return nil, err
		}
	}

	if c.InFlight() && c.Stage == domain.StageAnalysis {
		c, err = p.analyse(ctx, c)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

// detect scores the event. Scorer exhaustion routes the case to human review.
func (p *Pipeline) detect(ctx context.Context, c *domain.Case, ev domain.Event) (*domain.Case, error) {
	ctx, span := tracer.Start(ctx, "pipeline.detection",
		trace.WithAttributes(
			attribute.String("case.id", c.ID),
			attribute.String("event.id", c.EventID),
		),
	)
	defer span.End()

	if p.velocity != nil {
		ev = p.velocity.Enrich(ctx, ev)
	}

	start := p.now()
	a, err := p.scorer.Score(ctx, ev)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetStatus(codes.Error, "cancelled")
			return nil, ctxErr
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "scorer exhausted")
		return p.escalateUnscored(ctx, c.ID, err)
	}

	updated, err := p.cases.Update(ctx, c.ID, func(c *domain.Case) error {
		if !at(c, domain.StageDetection) {
			return errSkip
		}
		c.Assessment = a
		c.Stage = domain.StageAnalysis
		c.Record(domain.ActorPipeline, fmt.Sprintf("risk scored %.1f", a.Score), p.now())
		return nil
	})
	if errors.Is(err, errSkip) {
		return p.cases.Get(ctx, c.ID)
	}
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Float64("risk.score", a.Score))
	slog.DebugContext(ctx, "event scored",
		"case_id", c.ID,
		"score", a.Score,
		"factors", len(a.Factors),
		"duration_ms", p.now().Sub(start).Milliseconds(),
	)
	return updated, nil
}

// escalateUnscored routes a case the scorer could not assess to human review.
// The case stays at Detection.
func (p *Pipeline) escalateUnscored(ctx context.Context, caseID string, cause error) (*domain.Case, error) {
	updated, err := p.cases.Update(ctx, caseID, func(c *domain.Case) error {
		if !c.InFlight() {
			return errSkip
		}
		c.Classification = domain.ClassificationNeedsInvestigation
		c.Status = domain.StatusPendingReview
		c.Action = domain.Action{
			Kind:        domain.ActionEscalated,
			Description: "Escalated for investigation: risk scorer unavailable",
		}
		c.RequiresReview = true
		c.CanOverride = false
		c.Record(domain.ActorPipeline, "scorer failed: "+cause.Error(), p.now())
		return nil
	})
	if errors.Is(err, errSkip) {
		return p.cases.Get(ctx, caseID)
	}
	if err != nil {
		return nil, err
	}

	slog.WarnContext(ctx, "scorer exhausted, case escalated",
		"case_id", caseID,
		"error", cause,
	)
	p.publish(ctx, domain.TopicCaseDecided, updated)
	return updated, nil
}

// analyse classifies the scored case and, for threats, runs Prevention in
// the same transition.
func (p *Pipeline) analyse(ctx context.Context, c *domain.Case) (*domain.Case, error) {
	ctx, span := tracer.Start(ctx, "pipeline.analysis",
		trace.WithAttributes(attribute.String("case.id", c.ID)),
	)
	res := p.analysis.Process(ctx, c.Domain, c.Assessment)
	span.SetAttributes(
		attribute.Bool("analysis.threat", res.Threat),
		attribute.Bool("analysis.complex_pattern", res.ComplexPattern),
	)
	span.End()

	if !res.Threat {
		return p.release(ctx, c, res)
	}
	return p.prevent(ctx, c, res)
}

// release resolves a benign case at Analysis.
func (p *Pipeline) release(ctx context.Context, c *domain.Case, res analysis.Result) (*domain.Case, error) {
	updated, err := p.cases.Update(ctx, c.ID, func(c *domain.Case) error {
		if !at(c, domain.StageAnalysis) {
			return errSkip
		}
		c.Classification = domain.ClassificationReleased
		c.Status = domain.StatusReleased
		c.Action = domain.Action{
			Kind:        domain.ActionNone,
			Description: fmt.Sprintf("Benign: risk score %.1f below analysis threshold", c.Assessment.Score),
		}
		c.Record(domain.ActorPipeline, "benign", p.now())
		return nil
	})
	if errors.Is(err, errSkip) {
		return p.cases.Get(ctx, c.ID)
	}
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "case released",
		"case_id", updated.ID,
		"event_id", updated.EventID,
		"score", updated.Assessment.Score,
	)
	p.publish(ctx, domain.TopicCaseDecided, updated)
	return updated, nil
}

// prevent evaluates the current rule snapshot and records the decision.
func (p *Pipeline) prevent(ctx context.Context, c *domain.Case, res analysis.Result) (*domain.Case, error) {
	ctx, span := tracer.Start(ctx, "pipeline.prevention",
		trace.WithAttributes(attribute.String("case.id", c.ID)),
	)
	defer span.End()

	decision := p.engine.Decide(rules.Input{
		Score:          c.Assessment.Score,
		ComplexPattern: res.ComplexPattern,
	})

	updated, err := p.cases.Update(ctx, c.ID, func(c *domain.Case) error {
		if !at(c, domain.StageAnalysis) {
			return errSkip
		}
		now := p.now()

		c.ComplexPattern = res.ComplexPattern
		c.Record(domain.ActorPipeline, threatNote(res), now)

		c.Stage = domain.StagePrevention
		c.Classification = decision.Classification
		c.Status = decision.Status
		c.Action = decision.Action
		c.Rule = decision.Rule
		c.RequiresReview = decision.RequiresReview
		c.CanOverride = decision.Classification == domain.ClassificationAutoPrevented
		c.ResponseLatency = now.Sub(c.CreatedAt)
		c.DecidedAt = &now
		c.Record(domain.ActorPipeline, decision.Action.Description, now)
		return nil
	})
	if errors.Is(err, errSkip) {
		span.SetAttributes(attribute.Bool("decision.skipped", true))
		return p.cases.Get(ctx, c.ID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("decision.rule", string(decision.Rule)),
		attribute.String("decision.action", string(decision.Action.Kind)),
		attribute.Int64("rules.version", decision.RuleSetVersion),
	)
	slog.InfoContext(ctx, "case decided",
		"case_id", updated.ID,
		"event_id", updated.EventID,
		"score", updated.Assessment.Score,
		"rule", decision.Rule,
		"action", decision.Action.Kind,
		"classification", updated.Classification,
		"rules_version", decision.RuleSetVersion,
		"duration_ms", updated.ResponseLatency.Milliseconds(),
	)
	p.publish(ctx, domain.TopicCaseDecided, updated)
	return updated, nil
}

// at reports whether the case is still in flight at stage.
func at(c *domain.Case, stage domain.Stage) bool {
	return c.InFlight() && c.Stage == stage
}

func threatNote(res analysis.Result) string {
	if res.ComplexPattern {
		return "threat candidate: complex pattern"
	}
	return "threat candidate"
}

// RecoverStale routes cases that have been in flight longer than olderThan
// to human review. It returns the number of cases recovered.
func (p *Pipeline) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := p.now().Add(-olderThan)

	var stale []*domain.Case
	stale = append(stale, p.cases.Stale(ctx, domain.StageDetection, cutoff)...)
	stale = append(stale, p.cases.Stale(ctx, domain.StageAnalysis, cutoff)...)

	recovered := 0
	for _, s := range stale {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}

		updated, err := p.cases.Update(ctx, s.ID, func(c *domain.Case) error {
			if !c.InFlight() || !c.UpdatedAt.Before(cutoff) {
				return errSkip
			}
			c.Classification = domain.ClassificationNeedsInvestigation
			c.Status = domain.StatusPendingReview
			c.Action = domain.Action{
				Kind:        domain.ActionEscalated,
				Description: "Escalated for investigation: no verdict reached",
			}
			c.RequiresReview = true
			c.CanOverride = false
			c.Record(domain.ActorRecovery, fmt.Sprintf("in flight longer than %s", olderThan), p.now())
			return nil
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			slog.ErrorContext(ctx, "stale case recovery failed",
				"case_id", s.ID,
				"error", err,
			)
			continue
		}

		recovered++
		p.publish(ctx, domain.TopicCaseDecided, updated)
	}

	if recovered > 0 {
		slog.WarnContext(ctx, "stale cases recovered", "count", recovered)
	}
	return recovered, nil
}

// publish sends a case notice. Failures are logged; the case is already persisted.
func (p *Pipeline) publish(ctx context.Context, topic string, c *domain.Case) {
	if p.bus == nil {
		return
	}

	payload, err := json.Marshal(domain.NoticeFor(c))
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode case notice", "case_id", c.ID, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, topic, payload); err != nil {
		slog.ErrorContext(ctx, "failed to publish case notice",
			"case_id", c.ID,
			"topic", topic,
			"error", err,
		)
	}
}
