package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Persister is the durable backing of the rule store.
type Persister interface {
	SaveRuleSet(ctx context.Context, rs domain.RuleSet) error
	LoadRuleSet(ctx context.Context) (*domain.RuleSet, error)
}

// Store is the process-wide prevention rule configuration.
// Reads return an immutable snapshot without locking; writers are
// serialised and publish a new snapshot only after it is persisted.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[domain.RuleSet]
	persist Persister
	now     func() time.Time
}

// NewStore creates a store holding the default rule set.
// persist may be nil for a purely in-memory store.
func NewStore(persist Persister) *Store {
	s := &Store{persist: persist, now: time.Now}
	rs := domain.DefaultRuleSet()
	rs.UpdatedAt = s.now().UTC()
	s.current.Store(&rs)
	return s
}

// Snapshot returns the current rule set. The returned value is never
// mutated by the store.
func (s *Store) Snapshot() domain.RuleSet {
	return *s.current.Load()
}

// SetRule applies a partial update to one rule. Validation or persistence
// failures leave the current snapshot untouched.
func (s *Store) SetRule(ctx context.Context, name domain.RuleName, upd domain.RuleUpdate) (domain.RuleSet, error) {
	if !name.Known() {
		return domain.RuleSet{}, fmt.Errorf("%w: unknown rule %q", domain.ErrValidation, name)
	}
	if upd.Threshold == nil && upd.Enabled == nil {
		return domain.RuleSet{}, fmt.Errorf("%w: update for %s sets no fields", domain.ErrValidation, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().Clone()
	rule := next.Rules[name]
	if upd.Threshold != nil {
		rule.Threshold = *upd.Threshold
	}
	if upd.Enabled != nil {
		rule.Enabled = *upd.Enabled
	}
	next.Rules[name] = rule
	next.Version++
	next.UpdatedAt = s.now().UTC()

	if err := Validate(next); err != nil {
		return domain.RuleSet{}, err
	}
	if err := s.save(ctx, next); err != nil {
		return domain.RuleSet{}, err
	}

	s.current.Store(&next)
	slog.Info("prevention rule updated",
		"rule", name,
		"threshold", rule.Threshold,
		"enabled", rule.Enabled,
		"version", next.Version,
	)
	return next, nil
}

// Replace validates and installs a complete rule set, for example one read
// from a rule file at startup. The version continues from the current one.
func (s *Store) Replace(ctx context.Context, rs domain.RuleSet) (domain.RuleSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := rs.Clone()
	next.Version = s.current.Load().Version + 1
	next.UpdatedAt = s.now().UTC()

	if err := Validate(next); err != nil {
		return domain.RuleSet{}, err
	}
	if err := s.save(ctx, next); err != nil {
		return domain.RuleSet{}, err
	}

	s.current.Store(&next)
	return next, nil
}

// Load installs the persisted rule set. When nothing is persisted yet the
// current snapshot is written so other instances converge on it.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.persist.LoadRuleSet(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return s.save(ctx, *s.current.Load())
	}
	if err != nil {
		return fmt.Errorf("loading rule set: %w", err)
	}
	if err := Validate(*stored); err != nil {
		return err
	}

	s.current.Store(stored)
	return nil
}

// Reload re-reads the persisted rule set and reports whether the snapshot
// changed. A persisted set no newer than the current snapshot is ignored.
func (s *Store) Reload(ctx context.Context) (bool, error) {
	if s.persist == nil {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.persist.LoadRuleSet(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reloading rule set: %w", err)
	}
	if err := Validate(*stored); err != nil {
		return false, err
	}

	if stored.Version <= s.current.Load().Version {
		return false, nil
	}
	s.current.Store(stored)
	slog.Info("prevention rules reloaded", "version", stored.Version)
	return true, nil
}

func (s *Store) save(ctx context.Context, rs domain.RuleSet) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist.SaveRuleSet(ctx, rs); err != nil {
		return fmt.Errorf("persisting rule set: %w", err)
	}
	return nil
}

// Validate rejects unknown rule names and thresholds outside [0,100].
func Validate(rs domain.RuleSet) error {
	for name, rule := range rs.Rules {
		if !name.Known() {
			return fmt.Errorf("%w: unknown rule %q", domain.ErrValidation, name)
		}
		if rule.Threshold < domain.MinScore || rule.Threshold > domain.MaxScore {
			return fmt.Errorf("%w: %s threshold %.2f outside [0,100]", domain.ErrValidation, name, rule.Threshold)
		}
	}
	for _, name := range domain.RuleOrder {
		if _, ok := rs.Rules[name]; !ok {
			return fmt.Errorf("%w: rule %s missing", domain.ErrValidation, name)
		}
	}
	return nil
}
