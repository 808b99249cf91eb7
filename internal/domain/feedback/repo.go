package feedback

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/adaptation"
	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/suggestion"
)

// Repository stores feedback. Answers are never edited or deleted; the only
// later write records which learning event counted a row.
type Repository interface {
	Create(ctx context.Context, fb *Feedback) error
	// ListSince returns feedback created at or after since, oldest first.
	// An empty source matches every source.
	ListSince(ctx context.Context, since time.Time, source string) ([]Record, error)
	adaptation.SampleSource
}

// SuggestionLookup resolves the suggestion a feedback item refers to.
type SuggestionLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*suggestion.Suggestion, error)
}
