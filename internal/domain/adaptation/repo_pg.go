package adaptation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) Seed(ctx context.Context, sources []string) error {
	conn := db.Conn(ctx, r.pool)
	for _, s := range sources {
		_, err := conn.Exec(ctx, `
			INSERT INTO confidence_adjustment (source, value, updated_at)
			VALUES ($1, 0, NOW())
			ON CONFLICT (source) DO NOTHING`, s)
		if err != nil {
			return fmt.Errorf("seed adjustment %s: %w", s, err)
		}
	}
	return nil
}

func (r *repoPG) List(ctx context.Context) ([]ConfidenceAdjustment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT source, value, updated_at FROM confidence_adjustment ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("list adjustments: %w", err)
	}
	defer rows.Close()

	var out []ConfidenceAdjustment
	for rows.Next() {
		var a ConfidenceAdjustment
		if err := rows.Scan(&a.Source, &a.Value, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repoPG) GetForUpdate(ctx context.Context, source string) (*ConfidenceAdjustment, error) {
	var a ConfidenceAdjustment
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT source, value, updated_at FROM confidence_adjustment
		WHERE source = $1 FOR UPDATE`, source).Scan(&a.Source, &a.Value, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
		}
		return nil, err
	}
	return &a, nil
}

func (r *repoPG) Update(ctx context.Context, source string, value float64, at time.Time) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE confidence_adjustment SET value = $2, updated_at = $3 WHERE source = $1`,
		source, value, at)
	if err != nil {
		return fmt.Errorf("update adjustment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	return nil
}

func (r *repoPG) CreateEvent(ctx context.Context, ev *LearningEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO learning_event (id, event_type, affected_source, previous_value, new_value,
			trigger_reason, feedback_count_used, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ev.ID, ev.EventType, ev.AffectedSource, ev.PreviousValue, ev.NewValue,
		ev.TriggerReason, ev.FeedbackCountUsed, ev.IsActive, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert learning event: %w", err)
	}
	return nil
}

func (r *repoPG) ListEvents(ctx context.Context, limit int) ([]*LearningEvent, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, event_type, affected_source, previous_value, new_value,
			trigger_reason, feedback_count_used, is_active, created_at
		FROM learning_event ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list learning events: %w", err)
	}
	defer rows.Close()

	var out []*LearningEvent
	for rows.Next() {
		var ev LearningEvent
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.AffectedSource, &ev.PreviousValue, &ev.NewValue,
			&ev.TriggerReason, &ev.FeedbackCountUsed, &ev.IsActive, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
