// Package casestore holds one record per event and serialises every
// transition of a case. Cases are kept in memory for queries and written
// through to the repository before a transition becomes visible.
package casestore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Persister is the durable backing of the case store.
type Persister interface {
	InsertCase(ctx context.Context, c *domain.Case) error
	UpdateCase(ctx context.Context, c *domain.Case, expectedVersion int64) error
	GetCase(ctx context.Context, caseID string) (*domain.Case, error)
	ListCases(ctx context.Context, since time.Time) ([]*domain.Case, error)
}

// entry guards one case. mu serialises transitions of that case only.
type entry struct {
	mu   sync.Mutex
	seq  uint64
	data *domain.Case
}

// Store is the case store.
type Store struct {
	mu      sync.RWMutex
	cases   map[string]*entry
	byEvent map[string]string
	seq     uint64

	persist Persister
}

// New creates a store. persist may be nil for a purely in-memory store.
func New(persist Persister) *Store {
	return &Store{
		cases:   make(map[string]*entry),
		byEvent: make(map[string]string),
		persist: persist,
	}
}

// Hydrate loads every persisted case into memory.
func (s *Store) Hydrate(ctx context.Context) (int, error) {
	if s.persist == nil {
		return 0, nil
	}

	cases, err := s.persist.ListCases(ctx, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("hydrating case store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range cases {
		s.seq++
		s.cases[c.ID] = &entry{seq: s.seq, data: c}
		s.byEvent[c.EventID] = c.ID
	}
	return len(cases), nil
}

// Insert stores a new case. A case for the same event id fails with ErrConflict.
func (s *Store) Insert(ctx context.Context, c *domain.Case) error {
	if c == nil || c.ID == "" || c.EventID == "" {
		return fmt.Errorf("%w: case id and event id are required", domain.ErrInvalidEvent)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cases[c.ID]; ok {
		return fmt.Errorf("%w: case %s already exists", domain.ErrConflict, c.ID)
	}
	if id, ok := s.byEvent[c.EventID]; ok {
		return fmt.Errorf("%w: event %s already has case %s", domain.ErrConflict, c.EventID, id)
	}

	stored := c.Clone()
	if s.persist != nil {
		if err := s.persist.InsertCase(ctx, stored); err != nil {
			return err
		}
	}

	s.seq++
	s.cases[c.ID] = &entry{seq: s.seq, data: stored}
	s.byEvent[c.EventID] = c.ID
	return nil
}

// Get returns a copy of the case.
func (s *Store) Get(ctx context.Context, id string) (*domain.Case, error) {
	e, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data.Clone(), nil
}

// GetByEvent returns a copy of the case created for an event.
func (s *Store) GetByEvent(ctx context.Context, eventID string) (*domain.Case, error) {
	s.mu.RLock()
	id, ok := s.byEvent[eventID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no case for event %s", domain.ErrNotFound, eventID)
	}
	return s.Get(ctx, id)
}

// UpdateFunc mutates a working copy of a case. Returning an error abandons
// the transition.
type UpdateFunc func(c *domain.Case) error

// Update applies fn to a copy of the case under the per-case lock, persists
// the result with an optimistic version check and only then publishes it.
// If ctx is cancelled or any step fails, the stored case is unchanged.
func (s *Store) Update(ctx context.Context, id string, fn UpdateFunc) (*domain.Case, error) {
	e, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	work := e.data.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}

	expected := e.data.Version
	work.Version = expected + 1
	if err := checkTransition(e.data, work); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.persist != nil {
		if err := s.persist.UpdateCase(ctx, work, expected); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				s.refresh(ctx, e)
			}
			return nil, err
		}
	}

	e.data = work
	return work.Clone(), nil
}

// refresh reloads a case another instance changed. Called with e.mu held.
func (s *Store) refresh(ctx context.Context, e *entry) {
	fresh, err := s.persist.GetCase(ctx, e.data.ID)
	if err != nil {
		slog.WarnContext(ctx, "case refresh failed", "case_id", e.data.ID, "error", err)
		return
	}
	e.data = fresh
}

// List returns copies of cases, most recent first. An empty classification
// lists all cases; limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, classification domain.Classification, limit int) []*domain.Case {
	entries := s.snapshot()

	slices.SortFunc(entries, func(a, b *entry) int {
		if c := b.data.CreatedAt.Compare(a.data.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.seq, a.seq)
	})

	out := make([]*domain.Case, 0, min(len(entries), max(limit, 0)))
	for _, e := range entries {
		e.mu.Lock()
		match := classification == "" || e.data.Classification == classification
		var c *domain.Case
		if match {
			c = e.data.Clone()
		}
		e.mu.Unlock()

		if !match {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// History returns copies of cases created at or after since, oldest first.
// A zero since returns all cases.
func (s *Store) History(ctx context.Context, since time.Time) []*domain.Case {
	entries := s.snapshot()

	out := make([]*domain.Case, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if since.IsZero() || !e.data.CreatedAt.Before(since) {
			out = append(out, e.data.Clone())
		}
		e.mu.Unlock()
	}

	slices.SortFunc(out, func(a, b *domain.Case) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// Stale returns in-flight cases still at stage that were last updated before cutoff.
func (s *Store) Stale(ctx context.Context, stage domain.Stage, before time.Time) []*domain.Case {
	var out []*domain.Case
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if e.data.Stage == stage && e.data.InFlight() && e.data.UpdatedAt.Before(before) {
			out = append(out, e.data.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// Len returns the number of cases.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cases)
}

func (s *Store) snapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*entry, 0, len(s.cases))
	for _, e := range s.cases {
		entries = append(entries, e)
	}
	return entries
}

// entry finds a case in memory, falling back to the repository for cases
// created by another instance.
func (s *Store) entry(ctx context.Context, id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.cases[id]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}

	if s.persist == nil {
		return nil, fmt.Errorf("%w: case %s", domain.ErrNotFound, id)
	}

	c, err := s.persist.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cases[id]; ok {
		return e, nil
	}
	s.seq++
	e = &entry{seq: s.seq, data: c}
	s.cases[id] = e
	s.byEvent[c.EventID] = id
	return e, nil
}

// checkTransition rejects updates that would regress the stage, reopen a
// released case or break the override-eligibility invariant.
func checkTransition(from, to *domain.Case) error {
	if from.Terminal() && to.Classification != domain.ClassificationReleased {
		return fmt.Errorf("%w: case %s is released", domain.ErrAlreadyTerminal, from.ID)
	}
	if to.Stage.Rank() < from.Stage.Rank() {
		return fmt.Errorf("%w: stage %s cannot follow %s", domain.ErrInvalidTransition, to.Stage, from.Stage)
	}
	if !to.Classification.Valid() {
		return fmt.Errorf("%w: unknown classification %q", domain.ErrInvalidTransition, to.Classification)
	}
	switch to.Classification {
	case domain.ClassificationNeedsInvestigation:
		if to.CanOverride {
			return fmt.Errorf("%w: cases needing investigation cannot be overridden", domain.ErrInvalidTransition)
		}
	case domain.ClassificationAutoPrevented:
		if !to.CanOverride {
			return fmt.Errorf("%w: auto-prevented cases must be overridable", domain.ErrInvalidTransition)
		}
	case domain.ClassificationUnclassified:
		if to.Stage.Rank() > domain.StageAnalysis.Rank() {
			return fmt.Errorf("%w: unclassified case at stage %s", domain.ErrInvalidTransition, to.Stage)
		}
	}
	return nil
}
