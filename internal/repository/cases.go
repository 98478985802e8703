package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const caseColumns = `
	id, event_id, domain, stage, classification, status, action, rule,
	assessment, complex_pattern, requires_review, can_override,
	response_latency_ns, decided_at, amount, currency, reviewed_by,
	history, version, created_at, updated_at
`

type caseRow struct {
	ID                string         `db:"id"`
	EventID           string         `db:"event_id"`
	Domain            string         `db:"domain"`
	Stage             string         `db:"stage"`
	Classification    string         `db:"classification"`
	Status            string         `db:"status"`
	Action            string         `db:"action"`
	Rule              string         `db:"rule"`
	Assessment        sql.NullString `db:"assessment"`
	ComplexPattern    int            `db:"complex_pattern"`
	RequiresReview    int            `db:"requires_review"`
	CanOverride       int            `db:"can_override"`
	ResponseLatencyNs int64          `db:"response_latency_ns"`
	DecidedAt         sql.NullTime   `db:"decided_at"`
	Amount            string         `db:"amount"`
	Currency          string         `db:"currency"`
	ReviewedBy        string         `db:"reviewed_by"`
	History           string         `db:"history"`
	Version           int64          `db:"version"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func toCaseRow(c *domain.Case) (*caseRow, error) {
	action, err := json.Marshal(c.Action)
	if err != nil {
		return nil, fmt.Errorf("%w: action: %v", ErrInvalidInput, err)
	}
	history, err := json.Marshal(c.History)
	if err != nil {
		return nil, fmt.Errorf("%w: history: %v", ErrInvalidInput, err)
	}

	row := &caseRow{
		ID:                c.ID,
		EventID:           c.EventID,
		Domain:            c.Domain,
		Stage:             string(c.Stage),
		Classification:    string(c.Classification),
		Status:            string(c.Status),
		Action:            string(action),
		Rule:              string(c.Rule),
		ComplexPattern:    boolToInt(c.ComplexPattern),
		RequiresReview:    boolToInt(c.RequiresReview),
		CanOverride:       boolToInt(c.CanOverride),
		ResponseLatencyNs: int64(c.ResponseLatency),
		Amount:            c.Amount.String(),
		Currency:          c.Currency,
		ReviewedBy:        c.ReviewedBy,
		History:           string(history),
		Version:           c.Version,
		CreatedAt:         c.CreatedAt.UTC(),
		UpdatedAt:         c.UpdatedAt.UTC(),
	}
	if c.Assessment != nil {
		a, err := json.Marshal(c.Assessment)
		if err != nil {
			return nil, fmt.Errorf("%w: assessment: %v", ErrInvalidInput, err)
		}
		row.Assessment = sql.NullString{String: string(a), Valid: true}
	}
	if c.DecidedAt != nil {
		row.DecidedAt = sql.NullTime{Time: c.DecidedAt.UTC(), Valid: true}
	}
	return row, nil
}

func (row *caseRow) toCase() (*domain.Case, error) {
	c := &domain.Case{
		ID:              row.ID,
		EventID:         row.EventID,
		Domain:          row.Domain,
		Stage:           domain.Stage(row.Stage),
		Classification:  domain.Classification(row.Classification),
		Status:          domain.CaseStatus(row.Status),
		Rule:            domain.RuleName(row.Rule),
		ComplexPattern:  row.ComplexPattern != 0,
		RequiresReview:  row.RequiresReview != 0,
		CanOverride:     row.CanOverride != 0,
		ResponseLatency: time.Duration(row.ResponseLatencyNs),
		Currency:        row.Currency,
		ReviewedBy:      row.ReviewedBy,
		Version:         row.Version,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}

	if err := json.Unmarshal([]byte(row.Action), &c.Action); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	if err := json.Unmarshal([]byte(row.History), &c.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if row.Assessment.Valid {
		var a domain.RiskAssessment
		if err := json.Unmarshal([]byte(row.Assessment.String), &a); err != nil {
			return nil, fmt.Errorf("decode assessment: %w", err)
		}
		c.Assessment = &a
	}
	if row.DecidedAt.Valid {
		t := row.DecidedAt.Time
		c.DecidedAt = &t
	}

	amount, err := decimal.NewFromString(row.Amount)
	if err != nil {
		return nil, fmt.Errorf("decode amount: %w", err)
	}
	c.Amount = amount
	return c, nil
}

// InsertCase stores a new case. A second case for the same event fails with ErrConflict.
func (r *SQLRepository) InsertCase(ctx context.Context, c *domain.Case) error {
	if c == nil || c.ID == "" || c.EventID == "" {
		return fmt.Errorf("%w: case id and event id are required", ErrInvalidInput)
	}

	row, err := toCaseRow(c)
	if err != nil {
		return err
	}

	query := `INSERT INTO cases (` + caseColumns + `) VALUES (
		:id, :event_id, :domain, :stage, :classification, :status, :action, :rule,
		:assessment, :complex_pattern, :requires_review, :can_override,
		:response_latency_ns, :decided_at, :amount, :currency, :reviewed_by,
		:history, :version, :created_at, :updated_at
	)`

	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		if exists, _ := r.caseExistsForEvent(ctx, c.EventID); exists {
			return fmt.Errorf("%w: case for event %s already exists", domain.ErrConflict, c.EventID)
		}
		return err
	}
	return nil
}

// UpdateCase replaces a case if its stored version equals expectedVersion.
// A mismatch returns ErrConflict; an unknown id returns ErrNotFound.
func (r *SQLRepository) UpdateCase(ctx context.Context, c *domain.Case, expectedVersion int64) error {
	row, err := toCaseRow(c)
	if err != nil {
		return err
	}

	query := `
		UPDATE cases SET
			stage = ?, classification = ?, status = ?, action = ?, rule = ?,
			assessment = ?, complex_pattern = ?, requires_review = ?, can_override = ?,
			response_latency_ns = ?, decided_at = ?, reviewed_by = ?,
			history = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query),
		row.Stage, row.Classification, row.Status, row.Action, row.Rule,
		row.Assessment, row.ComplexPattern, row.RequiresReview, row.CanOverride,
		row.ResponseLatencyNs, row.DecidedAt, row.ReviewedBy,
		row.History, row.Version, row.UpdatedAt,
		row.ID, expectedVersion,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	if _, err := r.GetCase(ctx, c.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: case %s is not at version %d", domain.ErrConflict, c.ID, expectedVersion)
}

// GetCase retrieves a case by id.
func (r *SQLRepository) GetCase(ctx context.Context, caseID string) (*domain.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE id = ?`

	var row caseRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(query), caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toCase()
}

// ListCases returns cases created at or after since, oldest first.
// A zero since returns every case.
func (r *SQLRepository) ListCases(ctx context.Context, since time.Time) ([]*domain.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE created_at >= ? ORDER BY created_at, id`

	var rows []caseRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), since.UTC()); err != nil {
		return nil, err
	}

	cases := make([]*domain.Case, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toCase()
		if err != nil {
			return nil, fmt.Errorf("case %s: %w", rows[i].ID, err)
		}
		cases = append(cases, c)
	}
	return cases, nil
}

func (r *SQLRepository) caseExistsForEvent(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind(`SELECT COUNT(*) FROM cases WHERE event_id = ?`), eventID)
	return n > 0, err
}
