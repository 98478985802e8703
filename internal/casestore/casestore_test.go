package casestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// memRepo is an in-memory Persister with the repository's version check.
type memRepo struct {
	mu        sync.Mutex
	cases     map[string]*domain.Case
	failWrite error
}

func newMemRepo() *memRepo {
	return &memRepo{cases: make(map[string]*domain.Case)}
}

func (m *memRepo) InsertCase(_ context.Context, c *domain.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	m.cases[c.ID] = c.Clone()
	return nil
}

func (m *memRepo) UpdateCase(_ context.Context, c *domain.Case, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	cur, ok := m.cases[c.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != expected {
		return domain.ErrConflict
	}
	m.cases[c.ID] = c.Clone()
	return nil
}

func (m *memRepo) GetCase(_ context.Context, id string) (*domain.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c.Clone(), nil
}

func (m *memRepo) ListCases(_ context.Context, _ time.Time) ([]*domain.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Case, 0, len(m.cases))
	for _, c := range m.cases {
		out = append(out, c.Clone())
	}
	return out, nil
}

func newCase(id string, created time.Time) *domain.Case {
	ev := domain.Event{ID: "evt-" + id, Domain: "insurance", Amount: decimal.NewFromInt(500)}
	return domain.NewCase(id, ev, created)
}

func prevent(c *domain.Case) error {
	c.Stage = domain.StagePrevention
	c.Classification = domain.ClassificationAutoPrevented
	c.Status = domain.StatusPrevented
	c.Action = domain.Action{Kind: domain.ActionBlocked, Variant: domain.VariantReject}
	c.CanOverride = true
	return nil
}

func TestInsertAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	s := New(repo)

	c := newCase("c1", time.Now())
	require.NoError(t, s.Insert(ctx, c))

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageDetection, got.Stage)
	assert.Equal(t, domain.ClassificationUnclassified, got.Classification)

	byEvent, err := s.GetByEvent(ctx, "evt-c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", byEvent.ID)

	_, ok := repo.cases["c1"]
	assert.True(t, ok, "case should be written through")

	got.Stage = domain.StageLearning
	again, _ := s.Get(ctx, "c1")
	assert.Equal(t, domain.StageDetection, again.Stage, "callers must receive copies")
}

func TestInsertDuplicateEvent(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	require.NoError(t, s.Insert(ctx, newCase("c1", time.Now())))

	dup := newCase("c2", time.Now())
	dup.EventID = "evt-c1"
	err := s.Insert(ctx, dup)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 1, s.Len())
}

func TestInsertPersistFailure(t *testing.T) {
	repo := newMemRepo()
	repo.failWrite = errors.New("disk full")
	s := New(repo)

	err := s.Insert(context.Background(), newCase("c1", time.Now()))
	require.Error(t, err)

	_, err = s.Get(context.Background(), "c1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetNotFound(t *testing.T) {
	s := New(newMemRepo())
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.GetByEvent(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	s := New(repo)
	require.NoError(t, s.Insert(ctx, newCase("c1", time.Now())))

	t.Run("applies and bumps version", func(t *testing.T) {
		updated, err := s.Update(ctx, "c1", prevent)
		require.NoError(t, err)
		assert.Equal(t, int64(1), updated.Version)
		assert.Equal(t, domain.ClassificationAutoPrevented, updated.Classification)
		assert.Equal(t, int64(1), repo.cases["c1"].Version)
	})

	t.Run("callback error abandons", func(t *testing.T) {
		_, err := s.Update(ctx, "c1", func(c *domain.Case) error {
			c.Status = domain.StatusReleased
			return domain.ErrInvalidTransition
		})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		got, _ := s.Get(ctx, "c1")
		assert.Equal(t, domain.StatusPrevented, got.Status)
	})

	t.Run("stage regression rejected", func(t *testing.T) {
		_, err := s.Update(ctx, "c1", func(c *domain.Case) error {
			c.Stage = domain.StageAnalysis
			return nil
		})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("override eligibility enforced", func(t *testing.T) {
		_, err := s.Update(ctx, "c1", func(c *domain.Case) error {
			c.CanOverride = false
			return nil
		})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("released is terminal", func(t *testing.T) {
		_, err := s.Update(ctx, "c1", func(c *domain.Case) error {
			c.Stage = domain.StageLearning
			c.Classification = domain.ClassificationReleased
			c.Status = domain.StatusReleased
			c.CanOverride = false
			return nil
		})
		require.NoError(t, err)

		_, err = s.Update(ctx, "c1", prevent)
		assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
	})
}

func TestUpdateCancelledContext(t *testing.T) {
	repo := newMemRepo()
	s := New(repo)
	require.NoError(t, s.Insert(context.Background(), newCase("c1", time.Now())))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Update(ctx, "c1", prevent)
	assert.ErrorIs(t, err, context.Canceled)

	got, _ := s.Get(context.Background(), "c1")
	assert.Equal(t, domain.StageDetection, got.Stage)
	assert.Equal(t, int64(0), repo.cases["c1"].Version)
}

func TestUpdatePersistFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	s := New(repo)
	require.NoError(t, s.Insert(ctx, newCase("c1", time.Now())))

	repo.failWrite = errors.New("connection reset")
	_, err := s.Update(ctx, "c1", prevent)
	require.Error(t, err)

	got, _ := s.Get(ctx, "c1")
	assert.Equal(t, domain.ClassificationUnclassified, got.Classification)
	assert.Equal(t, int64(0), got.Version)
}

func TestUpdateConflictRefreshes(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	s := New(repo)
	require.NoError(t, s.Insert(ctx, newCase("c1", time.Now())))

	// Another instance moves the case on.
	other := repo.cases["c1"].Clone()
	_ = prevent(other)
	other.Version = 1
	repo.cases["c1"] = other

	_, err := s.Update(ctx, "c1", prevent)
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, _ := s.Get(ctx, "c1")
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, domain.ClassificationAutoPrevented, got.Classification)
}

func TestUpdateSerialisedPerCase(t *testing.T) {
	ctx := context.Background()
	s := New(newMemRepo())
	require.NoError(t, s.Insert(ctx, newCase("c1", time.Now())))

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Update(ctx, "c1", func(c *domain.Case) error {
				c.Record(domain.ActorPipeline, fmt.Sprintf("note %d", i), time.Now())
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, _ := s.Get(ctx, "c1")
	assert.Equal(t, int64(writers), got.Version)
	assert.Len(t, got.History, writers+1)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	base := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Insert(ctx, newCase(fmt.Sprintf("c%d", i), base.Add(time.Duration(i)*time.Second))))
	}
	// Same timestamp as c4: insertion order breaks the tie.
	require.NoError(t, s.Insert(ctx, newCase("c5", base.Add(4*time.Second))))

	_, err := s.Update(ctx, "c1", prevent)
	require.NoError(t, err)
	_, err = s.Update(ctx, "c3", prevent)
	require.NoError(t, err)

	all := s.List(ctx, "", 0)
	require.Len(t, all, 6)
	assert.Equal(t, "c5", all[0].ID)
	assert.Equal(t, "c4", all[1].ID)
	assert.Equal(t, "c0", all[5].ID)

	prevented := s.List(ctx, domain.ClassificationAutoPrevented, 0)
	require.Len(t, prevented, 2)
	assert.Equal(t, "c3", prevented[0].ID)
	assert.Equal(t, "c1", prevented[1].ID)

	limited := s.List(ctx, "", 2)
	assert.Len(t, limited, 2)

	assert.Empty(t, s.List(ctx, domain.ClassificationNeedsInvestigation, 10))
}

func TestHistoryAndStale(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	now := time.Now()

	require.NoError(t, s.Insert(ctx, newCase("old", now.Add(-10*time.Minute))))
	require.NoError(t, s.Insert(ctx, newCase("new", now)))
	require.NoError(t, s.Insert(ctx, newCase("done", now.Add(-20*time.Minute))))
	_, err := s.Update(ctx, "done", prevent)
	require.NoError(t, err)

	hist := s.History(ctx, time.Time{})
	require.Len(t, hist, 3)
	assert.Equal(t, "done", hist[0].ID)
	assert.Equal(t, "new", hist[2].ID)

	recent := s.History(ctx, now.Add(-time.Minute))
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].ID)

	stale := s.Stale(ctx, domain.StageDetection, now.Add(-5*time.Minute))
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)
}

func TestHydrate(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	first := New(repo)
	require.NoError(t, first.Insert(ctx, newCase("c1", time.Now())))
	require.NoError(t, first.Insert(ctx, newCase("c2", time.Now())))

	second := New(repo)
	n, err := second.Hydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := second.GetByEvent(ctx, "evt-c2")
	require.NoError(t, err)
	assert.Equal(t, "c2", got.ID)
}

func TestGetFallsBackToRepository(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	require.NoError(t, repo.InsertCase(ctx, newCase("remote", time.Now())))

	s := New(repo)
	got, err := s.Get(ctx, "remote")
	require.NoError(t, err)
	assert.Equal(t, "remote", got.ID)
	assert.Equal(t, 1, s.Len())
}
