package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// learningRowID is the key of the single learning_state row.
const learningRowID = 1

type learningRow struct {
	RetrainCount        int64        `db:"retrain_count"`
	LastRetrain         sql.NullTime `db:"last_retrain"`
	AccuracyImprovement float64      `db:"accuracy_improvement"`
}

// SaveLearningState upserts the process-wide learning counters.
func (r *SQLRepository) SaveLearningState(ctx context.Context, st domain.LearningState) error {
	var last sql.NullTime
	if st.LastRetrain != nil {
		last = sql.NullTime{Time: st.LastRetrain.UTC(), Valid: true}
	}

	query := `
		INSERT INTO learning_state (id, retrain_count, last_retrain, accuracy_improvement, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			retrain_count = excluded.retrain_count,
			last_retrain = excluded.last_retrain,
			accuracy_improvement = excluded.accuracy_improvement,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.db.Rebind(query),
		learningRowID, st.RetrainCount, last, st.AccuracyImprovement, time.Now().UTC(),
	)
	return err
}

// LoadLearningState returns the stored counters, or ErrNotFound.
func (r *SQLRepository) LoadLearningState(ctx context.Context) (*domain.LearningState, error) {
	query := `SELECT retrain_count, last_retrain, accuracy_improvement FROM learning_state WHERE id = ?`

	var row learningRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(query), learningRowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	st := &domain.LearningState{
		RetrainCount:        row.RetrainCount,
		AccuracyImprovement: row.AccuracyImprovement,
	}
	if row.LastRetrain.Valid {
		t := row.LastRetrain.Time
		st.LastRetrain = &t
	}
	return st, nil
}
