package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// scriptedScorer fails a fixed number of times before succeeding.
type scriptedScorer struct {
	failures int32
	err      error
	calls    atomic.Int32
	score    float64
}

func (s *scriptedScorer) Score(ctx context.Context, ev domain.Event) (*domain.RiskAssessment, error) {
	n := s.calls.Add(1)
	if n <= s.failures {
		return nil, s.err
	}
	return &domain.RiskAssessment{EventID: ev.ID, Score: s.score}, nil
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		Multiplier:     2,
		AttemptTimeout: time.Second,
	}
}

func TestRetryingSucceedsAfterFailures(t *testing.T) {
	inner := &scriptedScorer{failures: 2, err: domain.ErrScorer, score: 70}
	r := NewRetrying(inner, fastPolicy(3))

	a, err := r.Score(context.Background(), domain.Event{ID: "evt-1"})
	require.NoError(t, err)
	assert.Equal(t, 70.0, a.Score)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestRetryingExhausted(t *testing.T) {
	inner := &scriptedScorer{failures: 10, err: domain.ErrScorer}
	r := NewRetrying(inner, fastPolicy(3))

	_, err := r.Score(context.Background(), domain.Event{ID: "evt-2"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrScorerExhausted)
	assert.ErrorIs(t, err, domain.ErrScorer)
	assert.Equal(t, int32(3), inner.calls.Load(), "attempts are bounded")
}

func TestRetryingOutOfRangeScoreIsScorerError(t *testing.T) {
	inner := &scriptedScorer{score: 140}
	r := NewRetrying(inner, fastPolicy(2))

	_, err := r.Score(context.Background(), domain.Event{ID: "evt-3"})
	assert.ErrorIs(t, err, domain.ErrScorerExhausted)
	assert.ErrorIs(t, err, domain.ErrScorer)
}

type slowScorer struct{}

func (slowScorer) Score(ctx context.Context, _ domain.Event) (*domain.RiskAssessment, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRetryingAttemptTimeout(t *testing.T) {
	p := fastPolicy(2)
	p.AttemptTimeout = 5 * time.Millisecond
	r := NewRetrying(slowScorer{}, p)

	_, err := r.Score(context.Background(), domain.Event{ID: "evt-4"})
	assert.ErrorIs(t, err, domain.ErrScorerExhausted)
	assert.ErrorIs(t, err, domain.ErrScorerTimeout)
}

func TestRetryingCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRetrying(slowScorer{}, fastPolicy(3))
	_, err := r.Score(ctx, domain.Event{ID: "evt-5"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrScorerExhausted)
}

func TestPayloadScorer(t *testing.T) {
	s := NewPayloadScorer()

	t.Run("decoded json features", func(t *testing.T) {
		var features map[string]any
		require.NoError(t, json.Unmarshal([]byte(`{
			"risk_score": 91.5,
			"risk_model": "xgb-v3",
			"risk_factors": [
				{"name": "duplicate_ssn", "weight": 0.8, "level": "High"},
				{"name": "new_bank_account", "weight": 0.4, "level": "Medium"}
			]
		}`), &features))

		a, err := s.Score(context.Background(), domain.Event{ID: "evt-6", Features: features})
		require.NoError(t, err)
		assert.Equal(t, 91.5, a.Score)
		assert.Equal(t, "xgb-v3", a.Model)
		require.Len(t, a.Factors, 2)
		assert.Equal(t, domain.RiskLevelHigh, a.Factors[0].Level)
	})

	t.Run("string score", func(t *testing.T) {
		a, err := s.Score(context.Background(), domain.Event{ID: "evt-7", Features: map[string]any{"risk_score": "42"}})
		require.NoError(t, err)
		assert.Equal(t, 42.0, a.Score)
	})

	t.Run("missing score", func(t *testing.T) {
		_, err := s.Score(context.Background(), domain.Event{ID: "evt-8"})
		assert.ErrorIs(t, err, domain.ErrScorer)
	})

	t.Run("bad level", func(t *testing.T) {
		_, err := s.Score(context.Background(), domain.Event{ID: "evt-9", Features: map[string]any{
			"risk_score":   10.0,
			"risk_factors": []any{map[string]any{"name": "x", "weight": 0.1, "level": "Extreme"}},
		}})
		assert.ErrorIs(t, err, domain.ErrScorer)
	})
}

func TestHTTPScorer(t *testing.T) {
	var got scoreRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"score": 88, "model": "gnn-1", "factors": [{"name": "ring", "weight": 0.9, "level": "High"}]}`))
	}))
	defer srv.Close()

	s := NewHTTPScorer(srv.URL, time.Second)
	a, err := s.Score(context.Background(), domain.Event{
		ID:       "evt-10",
		Domain:   "insurance",
		Features: map[string]any{"claims_90d": 4.0},
	})
	require.NoError(t, err)

	assert.Equal(t, "evt-10", got.EventID)
	assert.Equal(t, "insurance", got.Domain)
	assert.Equal(t, 4.0, got.Features["claims_90d"])
	assert.Equal(t, 88.0, a.Score)
	assert.Equal(t, "gnn-1", a.Model)
	assert.Equal(t, "evt-10", a.EventID)
}

func TestHTTPScorerErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model offline", http.StatusServiceUnavailable)
		}, domain.ErrScorer},
		{"missing score", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"factors": []}`))
		}, domain.ErrScorer},
		{"out of range", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"score": -3}`))
		}, domain.ErrScorer},
		{"slow", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}, domain.ErrScorerTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			s := NewHTTPScorer(srv.URL, 50*time.Millisecond)
			_, err := s.Score(context.Background(), domain.Event{ID: "evt-11"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

type countingCache struct {
	domain.Cache
	stored map[string]*domain.RiskAssessment
	reads  int
}

func (c *countingCache) GetAssessment(_ context.Context, id string) (*domain.RiskAssessment, error) {
	c.reads++
	return c.stored[id], nil
}

func (c *countingCache) SetAssessment(_ context.Context, a *domain.RiskAssessment, _ time.Duration) error {
	c.stored[a.EventID] = a
	return nil
}

func TestCached(t *testing.T) {
	inner := &scriptedScorer{score: 55}
	cache := &countingCache{stored: map[string]*domain.RiskAssessment{}}
	s := NewCached(inner, cache, time.Minute)

	for range 3 {
		a, err := s.Score(context.Background(), domain.Event{ID: "evt-12"})
		require.NoError(t, err)
		assert.Equal(t, 55.0, a.Score)
	}
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, 3, cache.reads)

	failing := NewCached(&scriptedScorer{failures: 1, err: errors.New("boom")}, cache, time.Minute)
	_, err := failing.Score(context.Background(), domain.Event{ID: "evt-13"})
	assert.Error(t, err)
	assert.Nil(t, cache.stored["evt-13"])
}
