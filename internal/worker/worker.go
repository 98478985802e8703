// Package worker consumes accepted events from the event bus and drives them
// through the decision pipeline.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Processor drives one accepted case through the pipeline.
type Processor interface {
	Process(ctx context.Context, caseID string, ev domain.Event) (*domain.Case, error)
}

// RuleReloader refreshes the prevention rule snapshot from storage.
type RuleReloader interface {
	Reload(ctx context.Context) (bool, error)
}

// Worker processes submitted events asynchronously from the EventBus.
type Worker struct {
	bus       domain.EventBus
	processor Processor
	rules     RuleReloader

	slots chan struct{}

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Concurrency is the number of events processed at once
	Concurrency int
}

// NewWorker creates a new async worker. rules may be nil.
func NewWorker(bus domain.EventBus, processor Processor, rules RuleReloader) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		processor: processor,
		rules:     rules,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the submitted-event topic and, when a rule reloader is
// set, to rule change notices.
func (w *Worker) Start(cfg Config) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	w.slots = make(chan struct{}, cfg.Concurrency)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicEventSubmitted, w.handleSubmitted)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", domain.TopicEventSubmitted, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	if w.rules != nil {
		sub, err := w.bus.Subscribe(w.ctx, domain.TopicRuleChanged, w.handleRuleChanged)
		if err != nil {
			w.Stop()
			return fmt.Errorf("subscribing to %s: %w", domain.TopicRuleChanged, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("worker started",
		"concurrency", cfg.Concurrency,
		"subscriptions", len(w.subscriptions),
	)
	return nil
}

// handleSubmitted waits for a free slot and processes the event in the
// background. A case abandoned by shutdown stays at Detection and is picked
// up by stale recovery.
func (w *Worker) handleSubmitted(ctx context.Context, msg *domain.Message) error {
	var sub domain.SubmittedEvent
	if err := json.Unmarshal(msg.Payload, &sub); err != nil {
		slog.Error("failed to parse submitted event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if sub.CaseID == "" {
		return fmt.Errorf("%w: submitted event without case id", domain.ErrInvalidEvent)
	}

	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.slots }()
		w.process(ctx, sub)
	}()
	return nil
}

func (w *Worker) process(ctx context.Context, sub domain.SubmittedEvent) {
	start := time.Now()

	c, err := w.processor.Process(ctx, sub.CaseID, sub.Event)
	if err != nil {
		slog.Error("event processing failed",
			"case_id", sub.CaseID,
			"event_id", sub.Event.ID,
			"error", err,
		)
		return
	}

	slog.Debug("event processed",
		"case_id", c.ID,
		"event_id", c.EventID,
		"stage", c.Stage,
		"classification", c.Classification,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (w *Worker) handleRuleChanged(ctx context.Context, msg *domain.Message) error {
	changed, err := w.rules.Reload(ctx)
	if err != nil {
		return fmt.Errorf("reloading rules: %w", err)
	}
	if changed {
		slog.Debug("rules reloaded after change notice", "message_id", msg.ID)
	}
	return nil
}

// Stop cancels in-flight work, unsubscribes and waits for running events.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats describes the worker's subscriptions.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Busy              int      `json:"busy"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Busy:              len(w.slots),
	}
}
