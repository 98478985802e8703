package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type ruleRow struct {
	Name      string    `db:"name"`
	Threshold float64   `db:"threshold"`
	Enabled   int       `db:"enabled"`
	Version   int64     `db:"version"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SaveRuleSet upserts every rule of the set in one transaction.
func (r *SQLRepository) SaveRuleSet(ctx context.Context, rs domain.RuleSet) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := tx.Rebind(`
		INSERT INTO prevention_rules (name, threshold, enabled, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			threshold = excluded.threshold,
			enabled = excluded.enabled,
			version = excluded.version,
			updated_at = excluded.updated_at
	`)

	updatedAt := rs.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	for name, rule := range rs.Rules {
		if _, err := tx.ExecContext(ctx, query,
			string(name), rule.Threshold, boolToInt(rule.Enabled), rs.Version, updatedAt,
		); err != nil {
			return fmt.Errorf("save rule %s: %w", name, err)
		}
	}

	return tx.Commit()
}

// LoadRuleSet returns the persisted rule set, or ErrNotFound if none was saved.
func (r *SQLRepository) LoadRuleSet(ctx context.Context) (*domain.RuleSet, error) {
	var rows []ruleRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT name, threshold, enabled, version, updated_at FROM prevention_rules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrNotFound
	}

	rs := &domain.RuleSet{Rules: make(map[domain.RuleName]domain.PreventionRule, len(rows))}
	for _, row := range rows {
		rs.Rules[domain.RuleName(row.Name)] = domain.PreventionRule{
			Threshold: row.Threshold,
			Enabled:   row.Enabled != 0,
		}
		if row.Version > rs.Version {
			rs.Version = row.Version
		}
		if row.UpdatedAt.After(rs.UpdatedAt) {
			rs.UpdatedAt = row.UpdatedAt
		}
	}
	return rs, nil
}
