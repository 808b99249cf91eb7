package adaptation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Seed inserts a zero adjustment for each source that has no row yet.
	Seed(ctx context.Context, sources []string) error
	List(ctx context.Context) ([]ConfidenceAdjustment, error)
	// GetForUpdate locks the source row for the surrounding transaction.
	GetForUpdate(ctx context.Context, source string) (*ConfidenceAdjustment, error)
	Update(ctx context.Context, source string, value float64, at time.Time) error
	CreateEvent(ctx context.Context, ev *LearningEvent) error
	ListEvents(ctx context.Context, limit int) ([]*LearningEvent, error)
}

// SampleSource supplies the feedback an evaluation may use.
type SampleSource interface {
	// AcceptanceSample returns feedback for suggestions of source created
	// after since that no learning event has counted yet.
	AcceptanceSample(ctx context.Context, source string, since time.Time) (Sample, error)
	// MarkCounted attributes feedback to the learning event it produced, so
	// later samples skip it.
	MarkCounted(ctx context.Context, eventID uuid.UUID, feedbackIDs []uuid.UUID) error
}
