// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidInput is returned for records missing required fields.
var ErrInvalidInput = errors.New("invalid input")

// SQLRepository implements domain.Repository using sqlx.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sqlx.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sqlx.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

type eventRow struct {
	ID         string    `db:"id"`
	Domain     string    `db:"domain"`
	SubjectID  string    `db:"subject_id"`
	Amount     string    `db:"amount"`
	Currency   string    `db:"currency"`
	ReceivedAt time.Time `db:"received_at"`
	Features   string    `db:"features"`
}

// SaveEvent stores an accepted event. Saving the same id twice is a no-op.
func (r *SQLRepository) SaveEvent(ctx context.Context, ev *domain.Event) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}

	features, err := json.Marshal(ev.Features)
	if err != nil {
		return fmt.Errorf("%w: features: %v", ErrInvalidInput, err)
	}

	query := `
		INSERT INTO events (id, domain, subject_id, amount, currency, received_at, features)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, r.db.Rebind(query),
		ev.ID, ev.Domain, ev.SubjectID,
		ev.Amount.String(), ev.Currency,
		ev.ReceivedAt.UTC(), string(features),
	)
	return err
}

// GetEvent retrieves an event by id.
func (r *SQLRepository) GetEvent(ctx context.Context, eventID string) (*domain.Event, error) {
	query := `
		SELECT id, domain, subject_id, amount, currency, received_at, features
		FROM events
		WHERE id = ?
	`

	var row eventRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(query), eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ev := &domain.Event{
		ID:         row.ID,
		Domain:     row.Domain,
		SubjectID:  row.SubjectID,
		Currency:   row.Currency,
		ReceivedAt: row.ReceivedAt,
	}
	if ev.Amount, err = decimal.NewFromString(row.Amount); err != nil {
		return nil, fmt.Errorf("decode amount: %w", err)
	}
	if row.Features != "" {
		if err := json.Unmarshal([]byte(row.Features), &ev.Features); err != nil {
			return nil, fmt.Errorf("decode features: %w", err)
		}
	}
	return ev, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
