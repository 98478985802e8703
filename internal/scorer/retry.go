package scorer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RetryPolicy bounds the attempts made against a risk scorer.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 100ms initial backoff doubling up
// to 2s, with a 5s deadline per attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2,
		AttemptTimeout: 5 * time.Second,
	}
}

// PolicyFromConfig converts the configured retry settings.
func PolicyFromConfig(cfg domain.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Multiplier:     cfg.Multiplier,
		AttemptTimeout: cfg.AttemptTimeout,
	}
}

// Retrying wraps a scorer with bounded exponential backoff.
type Retrying struct {
	next   domain.RiskScorer
	policy RetryPolicy
}

// NewRetrying wraps next with the given policy.
func NewRetrying(next domain.RiskScorer, policy RetryPolicy) *Retrying {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &Retrying{next: next, policy: policy}
}

// Score calls the wrapped scorer until it succeeds or the attempt budget is
// spent. Exhaustion returns an error wrapping ErrScorerExhausted and the last
// scorer error. Cancellation of ctx returns ctx.Err() unwrapped.
func (r *Retrying) Score(ctx context.Context, ev domain.Event) (*domain.RiskAssessment, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialBackoff
	b.MaxInterval = r.policy.MaxBackoff
	b.Multiplier = r.policy.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.policy.MaxAttempts-1)), ctx)

	attempts := 0
	var out *domain.RiskAssessment
	op := func() error {
		attempts++
		a, err := r.attempt(ctx, ev)
		if err != nil {
			return err
		}
		out = a
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "risk scorer attempt failed",
			"event_id", ev.ID,
			"attempt", attempts,
			"max_attempts", r.policy.MaxAttempts,
			"retry_in_ms", wait.Milliseconds(),
			"error", err,
		)
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", domain.ErrScorerExhausted, attempts, err)
}

func (r *Retrying) attempt(ctx context.Context, ev domain.Event) (*domain.RiskAssessment, error) {
	actx := ctx
	if r.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
		defer cancel()
	}

	a, err := r.next.Score(actx, ev)
	if err != nil {
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrScorerTimeout) {
			return nil, fmt.Errorf("%w: %v", domain.ErrScorerTimeout, err)
		}
		return nil, err
	}
	if err := Check(a); err != nil {
		return nil, err
	}
	return a, nil
}
