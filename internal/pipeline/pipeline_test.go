package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/casestore"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scorer"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// scorerFunc adapts a function to domain.RiskScorer.
type scorerFunc func(ctx context.Context, ev domain.Event) (*domain.RiskAssessment, error)

func (f scorerFunc) Score(ctx context.Context, ev domain.Event) (*domain.RiskAssessment, error) {
	return f(ctx, ev)
}

func fixedScore(score float64, factors ...domain.RiskFactor) scorerFunc {
	return func(_ context.Context, ev domain.Event) (*domain.RiskAssessment, error) {
		return &domain.RiskAssessment{EventID: ev.ID, Score: score, Factors: factors}, nil
	}
}

// recordingBus captures published messages.
type recordingBus struct {
	mu   sync.Mutex
	msgs map[string][][]byte
	err  error
}

func newRecordingBus() *recordingBus {
	return &recordingBus{msgs: make(map[string][][]byte)}
}

func (b *recordingBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.msgs[topic] = append(b.msgs[topic], payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) Ping(context.Context) error { return nil }
func (b *recordingBus) Close() error               { return nil }

func (b *recordingBus) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs[topic])
}

type fixture struct {
	pipeline *Pipeline
	cases    *casestore.Store
	rules    *rules.Store
	bus      *recordingBus
}

func newFixture(t *testing.T, s domain.RiskScorer) *fixture {
	t.Helper()

	detector, err := rules.NewPatternDetector(domain.DefaultComplexPattern)
	require.NoError(t, err)

	cases := casestore.New(nil)
	ruleStore := rules.NewStore(nil)
	bus := newRecordingBus()

	p := New(Deps{
		Cases:    cases,
		Scorer:   s,
		Analysis: analysis.NewProcessor(analysis.DefaultThreshold, detector),
		Engine:   rules.NewEngine(ruleStore),
		Bus:      bus,
	})
	return &fixture{pipeline: p, cases: cases, rules: ruleStore, bus: bus}
}

func (f *fixture) disable(t *testing.T, names ...domain.RuleName) {
	t.Helper()
	off := false
	for _, n := range names {
		_, err := f.rules.SetRule(context.Background(), n, domain.RuleUpdate{Enabled: &off})
		require.NoError(t, err)
	}
}

func testEvent(id string) domain.Event {
	return domain.Event{
		ID:       id,
		Domain:   "insurance",
		Amount:   decimal.RequireFromString("2500.00"),
		Currency: "USD",
	}
}

func highFactors() []domain.RiskFactor {
	return []domain.RiskFactor{
		{Name: "duplicate_claim", Weight: 0.6, Level: domain.RiskLevelHigh},
		{Name: "new_account", Weight: 0.3, Level: domain.RiskLevelMedium},
		{Name: "address_mismatch", Weight: 0.1, Level: domain.RiskLevelLow},
	}
}

func TestSubmitAutoReject(t *testing.T) {
	f := newFixture(t, fixedScore(97))
	ctx := context.Background()

	id, err := f.pipeline.Submit(ctx, testEvent("evt-1"))
	require.NoError(t, err)

	c, err := f.cases.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StagePrevention, c.Stage)
	assert.Equal(t, domain.ActionBlocked, c.Action.Kind)
	assert.Equal(t, domain.VariantReject, c.Action.Variant)
	assert.Equal(t, domain.ClassificationAutoPrevented, c.Classification)
	assert.Equal(t, domain.StatusPrevented, c.Status)
	assert.Equal(t, domain.RuleAutoReject, c.Rule)
	assert.False(t, c.RequiresReview)
	assert.True(t, c.CanOverride)
	require.NotNil(t, c.DecidedAt)
	assert.GreaterOrEqual(t, c.ResponseLatency, time.Duration(0))
	assert.Equal(t, 1, f.bus.count(domain.TopicCaseDecided))
}

func TestSubmitDecisionTable(t *testing.T) {
	tests := []struct {
		name           string
		score          float64
		factors        []domain.RiskFactor
		disabled       []domain.RuleName
		action         domain.ActionKind
		classification domain.Classification
		status         domain.CaseStatus
	}{
		{"lock", 92, nil, nil, domain.ActionAccountLocked, domain.ClassificationAutoPrevented, domain.StatusPrevented},
		{"block", 85, nil, nil, domain.ActionBlocked, domain.ClassificationAutoPrevented, domain.StatusPrevented},
		{"reject disabled falls to lock", 97, nil, []domain.RuleName{domain.RuleAutoReject}, domain.ActionAccountLocked, domain.ClassificationAutoPrevented, domain.StatusPrevented},
		{"escalate complex pattern", 70, highFactors(), nil, domain.ActionEscalated, domain.ClassificationNeedsInvestigation, domain.StatusPendingReview},
		{"threat without match", 70, nil, nil, domain.ActionNone, domain.ClassificationReleased, domain.StatusReleased},
		{
			"only escalate enabled without pattern", 82, nil,
			[]domain.RuleName{domain.RuleAutoReject, domain.RuleAutoLock, domain.RuleAutoBlock},
			domain.ActionNone, domain.ClassificationReleased, domain.StatusReleased,
		},
		{
			"all disabled", 99, highFactors(),
			[]domain.RuleName{domain.RuleAutoReject, domain.RuleAutoLock, domain.RuleAutoBlock, domain.RuleAutoEscalate},
			domain.ActionNone, domain.ClassificationReleased, domain.StatusReleased,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixedScore(tt.score, tt.factors...))
			f.disable(t, tt.disabled...)

			id, err := f.pipeline.Submit(context.Background(), testEvent("evt-"+tt.name))
			require.NoError(t, err)

			c, _ := f.cases.Get(context.Background(), id)
			assert.Equal(t, domain.StagePrevention, c.Stage)
			assert.Equal(t, tt.action, c.Action.Kind)
			assert.Equal(t, tt.classification, c.Classification)
			assert.Equal(t, tt.status, c.Status)
			assert.Equal(t, c.Classification == domain.ClassificationAutoPrevented, c.CanOverride)
			assert.Equal(t, c.Classification == domain.ClassificationNeedsInvestigation, c.RequiresReview)
		})
	}
}

func TestSubmitBenignReleasedAtAnalysis(t *testing.T) {
	f := newFixture(t, fixedScore(12))

	id, err := f.pipeline.Submit(context.Background(), testEvent("evt-benign"))
	require.NoError(t, err)

	c, _ := f.cases.Get(context.Background(), id)
	assert.Equal(t, domain.StageAnalysis, c.Stage)
	assert.Equal(t, domain.ClassificationReleased, c.Classification)
	assert.Equal(t, domain.StatusReleased, c.Status)
	assert.Equal(t, domain.ActionNone, c.Action.Kind)
	assert.Nil(t, c.DecidedAt)
	assert.False(t, c.CanOverride)
}

func TestSubmitScorerExhausted(t *testing.T) {
	var calls atomic.Int32
	failing := scorerFunc(func(context.Context, domain.Event) (*domain.RiskAssessment, error) {
		calls.Add(1)
		return nil, domain.ErrScorer
	})
	s := scorer.NewRetrying(failing, scorer.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
		AttemptTimeout: time.Second,
	})
	f := newFixture(t, s)

	id, err := f.pipeline.Submit(context.Background(), testEvent("evt-fail"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	c, _ := f.cases.Get(context.Background(), id)
	assert.Equal(t, domain.StageDetection, c.Stage)
	assert.Equal(t, domain.ClassificationNeedsInvestigation, c.Classification)
	assert.Equal(t, domain.StatusPendingReview, c.Status)
	assert.Equal(t, domain.ActionEscalated, c.Action.Kind)
	assert.False(t, c.CanOverride)
	assert.True(t, c.RequiresReview)
	assert.Nil(t, c.Assessment)
	assert.Equal(t, 1, f.bus.count(domain.TopicCaseDecided))
}

func TestSubmitInvalidEvent(t *testing.T) {
	f := newFixture(t, fixedScore(50))

	tests := []struct {
		name string
		ev   domain.Event
	}{
		{"missing id", domain.Event{Domain: "grants"}},
		{"missing domain", domain.Event{ID: "evt-x"}},
		{"negative amount", domain.Event{ID: "evt-y", Domain: "grants", Amount: decimal.NewFromInt(-1)}},
		{"bad currency", domain.Event{ID: "evt-z", Domain: "grants", Currency: "DOLLARS"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.pipeline.Submit(context.Background(), tt.ev)
			assert.ErrorIs(t, err, domain.ErrInvalidEvent)
		})
	}
	assert.Zero(t, f.cases.Len())
}

func TestSubmitIdempotent(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, scorerFunc(func(_ context.Context, ev domain.Event) (*domain.RiskAssessment, error) {
		calls.Add(1)
		return &domain.RiskAssessment{EventID: ev.ID, Score: 91}, nil
	}))
	ctx := context.Background()

	first, err := f.pipeline.Submit(ctx, testEvent("evt-dup"))
	require.NoError(t, err)
	second, err := f.pipeline.Submit(ctx, testEvent("evt-dup"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, f.cases.Len())
}

// sharedCases stands in for the repository another instance writes to.
type sharedCases struct {
	mu    sync.Mutex
	cases map[string]*domain.Case
}

func (s *sharedCases) InsertCase(_ context.Context, c *domain.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[c.ID] = c.Clone()
	return nil
}

func (s *sharedCases) UpdateCase(_ context.Context, c *domain.Case, _ int64) error {
	return s.InsertCase(context.Background(), c)
}

func (s *sharedCases) GetCase(_ context.Context, id string) (*domain.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *sharedCases) ListCases(context.Context, time.Time) ([]*domain.Case, error) {
	return nil, nil
}

func TestSubmitDedupeClaimedElsewhere(t *testing.T) {
	f := newFixture(t, fixedScore(97))
	shared := &sharedCases{cases: map[string]*domain.Case{
		"case-remote": domain.NewCase("case-remote", testEvent("evt-remote"), time.Now()),
	}}
	f.cases = casestore.New(shared)
	f.pipeline.cases = f.cases
	c := cache.NewLRUCache(100)
	f.pipeline.cache = c
	ctx := context.Background()

	_, err := c.SetNX(ctx, cache.EventKey("evt-remote"), []byte("case-remote"), time.Minute)
	require.NoError(t, err)

	id, err := f.pipeline.Submit(ctx, testEvent("evt-remote"))
	require.NoError(t, err)
	assert.Equal(t, "case-remote", id)

	got, err := f.cases.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.InFlight(), "the owning instance drives the case")
}

func TestSubmitTakesOverOrphanedClaim(t *testing.T) {
	f := newFixture(t, fixedScore(97))
	c := cache.NewLRUCache(100)
	f.pipeline.cache = c
	ctx := context.Background()

	_, err := c.SetNX(ctx, cache.EventKey("evt-orphan"), []byte("case-never-created"), time.Minute)
	require.NoError(t, err)

	id, err := f.pipeline.Submit(ctx, testEvent("evt-orphan"))
	require.NoError(t, err)
	assert.NotEqual(t, "case-never-created", id)

	got, err := f.cases.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ClassificationAutoPrevented, got.Classification)

	owner, err := c.Get(ctx, cache.EventKey("evt-orphan"))
	require.NoError(t, err)
	assert.Equal(t, id, string(owner))
}

// flakyEvents fails the first save and records the rest.
type flakyEvents struct {
	mu     sync.Mutex
	failed bool
	saved  []string
}

func (s *flakyEvents) SaveEvent(_ context.Context, ev *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.failed {
		s.failed = true
		return errors.New("disk full")
	}
	s.saved = append(s.saved, ev.ID)
	return nil
}

func (s *flakyEvents) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func TestSubmitRetryAfterEventSaveFailure(t *testing.T) {
	f := newFixture(t, fixedScore(97))
	events := &flakyEvents{}
	c := cache.NewLRUCache(100)
	f.pipeline.events = events
	f.pipeline.cache = c
	ctx := context.Background()

	_, err := f.pipeline.Submit(ctx, testEvent("evt-flaky"))
	require.Error(t, err)
	assert.Zero(t, f.cases.Len())

	held, err := c.Get(ctx, cache.EventKey("evt-flaky"))
	require.NoError(t, err)
	assert.Empty(t, held, "failed accept must release its claim")

	id, err := f.pipeline.Submit(ctx, testEvent("evt-flaky"))
	require.NoError(t, err)

	got, err := f.cases.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "evt-flaky", got.EventID)
	assert.Equal(t, domain.ClassificationAutoPrevented, got.Classification)
	assert.Equal(t, 1, events.len())
	assert.Equal(t, 1, f.cases.Len())
}

func TestSubmitCancelledLeavesDetection(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, scorerFunc(func(ctx context.Context, _ domain.Event) (*domain.RiskAssessment, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	id, err := f.pipeline.Submit(ctx, testEvent("evt-cancel"))
	assert.ErrorIs(t, err, context.Canceled)

	c, getErr := f.cases.Get(context.Background(), id)
	require.NoError(t, getErr)
	assert.Equal(t, domain.StageDetection, c.Stage)
	assert.Equal(t, domain.ClassificationUnclassified, c.Classification)
	assert.Equal(t, domain.StatusProcessing, c.Status)
	assert.Equal(t, int64(0), c.Version)
}

func TestStageSequenceNeverRegresses(t *testing.T) {
	for _, score := range []float64{5, 49.9, 50, 79.9, 80, 90, 95, 100} {
		f := newFixture(t, fixedScore(score, highFactors()...))
		id, err := f.pipeline.Submit(context.Background(), testEvent("evt-seq"))
		require.NoError(t, err)

		c, _ := f.cases.Get(context.Background(), id)
		last := -1
		for _, tr := range c.History {
			rank := tr.Stage.Rank()
			assert.GreaterOrEqual(t, rank, last, "score %.1f: stage regressed to %s", score, tr.Stage)
			last = rank
		}
	}
}

func TestRuleToggleAppliesToNextEvent(t *testing.T) {
	f := newFixture(t, fixedScore(96))
	ctx := context.Background()

	first, _ := f.pipeline.Submit(ctx, testEvent("evt-a"))
	f.disable(t, domain.RuleAutoReject, domain.RuleAutoLock, domain.RuleAutoBlock)
	second, _ := f.pipeline.Submit(ctx, testEvent("evt-b"))

	a, _ := f.cases.Get(ctx, first)
	b, _ := f.cases.Get(ctx, second)
	assert.Equal(t, domain.RuleAutoReject, a.Rule)
	assert.Equal(t, domain.ActionNone, b.Action.Kind)
	assert.Equal(t, domain.ClassificationReleased, b.Classification)
}

func TestVelocityEnrichment(t *testing.T) {
	var seen atomic.Int64
	f := newFixture(t, scorerFunc(func(_ context.Context, ev domain.Event) (*domain.RiskAssessment, error) {
		if v, ok := ev.Features[velocity.FeatureName].(int64); ok {
			seen.Store(v)
		}
		return &domain.RiskAssessment{EventID: ev.ID, Score: 10}, nil
	}))
	f.pipeline.velocity = velocity.NewService(cache.NewLRUCache(100), time.Hour)

	for _, id := range []string{"evt-v1", "evt-v2", "evt-v3"} {
		ev := testEvent(id)
		ev.SubjectID = "claimant-9"
		_, err := f.pipeline.Submit(context.Background(), ev)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), seen.Load())
}

func TestEnqueue(t *testing.T) {
	t.Run("publishes to bus", func(t *testing.T) {
		f := newFixture(t, fixedScore(97))

		id, err := f.pipeline.Enqueue(context.Background(), testEvent("evt-q"))
		require.NoError(t, err)
		require.Equal(t, 1, f.bus.count(domain.TopicEventSubmitted))

		var msg domain.SubmittedEvent
		require.NoError(t, json.Unmarshal(f.bus.msgs[domain.TopicEventSubmitted][0], &msg))
		assert.Equal(t, id, msg.CaseID)
		assert.Equal(t, "evt-q", msg.Event.ID)

		c, _ := f.cases.Get(context.Background(), id)
		assert.Equal(t, domain.StageDetection, c.Stage)

		processed, err := f.pipeline.Process(context.Background(), msg.CaseID, msg.Event)
		require.NoError(t, err)
		assert.Equal(t, domain.ClassificationAutoPrevented, processed.Classification)
	})

	t.Run("falls back to inline processing", func(t *testing.T) {
		f := newFixture(t, fixedScore(97))
		f.bus.err = errors.New("bus down")

		id, err := f.pipeline.Enqueue(context.Background(), testEvent("evt-inline"))
		require.NoError(t, err)

		c, _ := f.cases.Get(context.Background(), id)
		assert.Equal(t, domain.ClassificationAutoPrevented, c.Classification)
	})
}

func TestProcessRedeliveryIsNoop(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, scorerFunc(func(_ context.Context, ev domain.Event) (*domain.RiskAssessment, error) {
		calls.Add(1)
		return &domain.RiskAssessment{EventID: ev.ID, Score: 85}, nil
	}))
	ctx := context.Background()

	id, err := f.pipeline.Submit(ctx, testEvent("evt-redeliver"))
	require.NoError(t, err)

	c, err := f.pipeline.Process(ctx, id, testEvent("evt-redeliver"))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionBlocked, c.Action.Kind)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRecoverStale(t *testing.T) {
	f := newFixture(t, fixedScore(97))
	ctx := context.Background()
	now := time.Now()

	stuck := domain.NewCase("stuck", testEvent("evt-stuck"), now.Add(-10*time.Minute))
	fresh := domain.NewCase("fresh", testEvent("evt-fresh"), now)
	require.NoError(t, f.cases.Insert(ctx, stuck))
	require.NoError(t, f.cases.Insert(ctx, fresh))

	n, err := f.pipeline.RecoverStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, _ := f.cases.Get(ctx, "stuck")
	assert.Equal(t, domain.ClassificationNeedsInvestigation, c.Classification)
	assert.Equal(t, domain.StatusPendingReview, c.Status)
	assert.False(t, c.CanOverride)
	assert.Equal(t, domain.ActorRecovery, c.History[len(c.History)-1].Actor)

	other, _ := f.cases.Get(ctx, "fresh")
	assert.True(t, other.InFlight())

	n, err = f.pipeline.RecoverStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoveryDuringScoringWins(t *testing.T) {
	clock := time.Now()
	var f *fixture
	f = newFixture(t, scorerFunc(func(ctx context.Context, ev domain.Event) (*domain.RiskAssessment, error) {
		clock = clock.Add(10 * time.Minute)
		n, err := f.pipeline.RecoverStale(ctx, 5*time.Minute)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		return &domain.RiskAssessment{EventID: ev.ID, Score: 97}, nil
	}))
	f.pipeline.now = func() time.Time { return clock }

	id, err := f.pipeline.Submit(context.Background(), testEvent("evt-slow"))
	require.NoError(t, err)

	c, err := f.cases.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StageDetection, c.Stage)
	assert.Equal(t, domain.ClassificationNeedsInvestigation, c.Classification)
	assert.Nil(t, c.Assessment)
	assert.Equal(t, domain.ActorRecovery, c.History[len(c.History)-1].Actor)
	assert.Equal(t, 1, f.bus.count(domain.TopicCaseDecided))
}

func TestPreventSkipsEscalatedCase(t *testing.T) {
	f := newFixture(t, fixedScore(97))
	ctx := context.Background()

	require.NoError(t, f.cases.Insert(ctx, domain.NewCase("case-late", testEvent("evt-late"), time.Now().Add(-10*time.Minute))))
	scored, err := f.cases.Update(ctx, "case-late", func(c *domain.Case) error {
		c.Assessment = &domain.RiskAssessment{EventID: "evt-late", Score: 97}
		c.Stage = domain.StageAnalysis
		return nil
	})
	require.NoError(t, err)

	n, err := f.pipeline.RecoverStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.pipeline.prevent(ctx, scored, analysis.Result{Threat: true})
	require.NoError(t, err)
	assert.Equal(t, domain.ClassificationNeedsInvestigation, got.Classification)
	assert.Equal(t, domain.StageAnalysis, got.Stage)
	assert.Equal(t, domain.ActionEscalated, got.Action.Kind)
	assert.Nil(t, got.DecidedAt)

	got, err = f.pipeline.release(ctx, scored, analysis.Result{})
	require.NoError(t, err)
	assert.Equal(t, domain.ClassificationNeedsInvestigation, got.Classification)
	assert.Equal(t, 1, f.bus.count(domain.TopicCaseDecided))
}
