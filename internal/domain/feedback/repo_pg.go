package feedback

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/adaptation"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) Create(ctx context.Context, fb *Feedback) error {
	fb.ID = uuid.New()
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO suggestion_feedback (id, suggestion_id, clinician_id, action,
			clinical_relevance, agreement_rating, explanation_quality, would_act_on, comments, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		fb.ID, fb.SuggestionID, fb.ClinicianID, fb.Action,
		fb.ClinicalRelevance, fb.AgreementRating, fb.ExplanationQuality, fb.WouldActOn,
		fb.Comments, fb.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

func (r *repoPG) ListSince(ctx context.Context, since time.Time, source string) ([]Record, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT f.id, f.suggestion_id, f.clinician_id, f.action,
			f.clinical_relevance, f.agreement_rating, f.explanation_quality, f.would_act_on,
			f.comments, f.created_at, s.source
		FROM suggestion_feedback f
		JOIN suggestion s ON s.id = f.suggestion_id
		WHERE f.created_at >= $1 AND ($2::text = '' OR s.source = $2::text)
		ORDER BY f.created_at, f.id`, since, source)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SuggestionID, &rec.ClinicianID, &rec.Action,
			&rec.ClinicalRelevance, &rec.AgreementRating, &rec.ExplanationQuality, &rec.WouldActOn,
			&rec.Comments, &rec.CreatedAt, &rec.Source); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AcceptanceSample reads inside the evaluation transaction, after the
// adjustment row lock is held, so a concurrent evaluation's claim is
// already committed when this runs.
func (r *repoPG) AcceptanceSample(ctx context.Context, source string, since time.Time) (adaptation.Sample, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT f.id, f.action = 'accept'
		FROM suggestion_feedback f
		JOIN suggestion s ON s.id = f.suggestion_id
		WHERE s.source = $1 AND f.created_at > $2 AND f.learning_event_id IS NULL
		ORDER BY f.created_at, f.id`, source, since)
	if err != nil {
		return adaptation.Sample{}, fmt.Errorf("acceptance sample: %w", err)
	}
	defer rows.Close()

	var out adaptation.Sample
	for rows.Next() {
		var id uuid.UUID
		var accepted bool
		if err := rows.Scan(&id, &accepted); err != nil {
			return adaptation.Sample{}, err
		}
		out.FeedbackIDs = append(out.FeedbackIDs, id)
		if accepted {
			out.Accepted++
		}
	}
	return out, rows.Err()
}

func (r *repoPG) MarkCounted(ctx context.Context, eventID uuid.UUID, feedbackIDs []uuid.UUID) error {
	if len(feedbackIDs) == 0 {
		return nil
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE suggestion_feedback SET learning_event_id = $1
		WHERE id = ANY($2::uuid[]) AND learning_event_id IS NULL`, eventID, feedbackIDs)
	if err != nil {
		return fmt.Errorf("mark feedback counted: %w", err)
	}
	if n := tag.RowsAffected(); n != int64(len(feedbackIDs)) {
		return fmt.Errorf("mark feedback counted: claimed %d of %d rows", n, len(feedbackIDs))
	}
	return nil
}
