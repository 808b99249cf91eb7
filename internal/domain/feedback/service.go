package feedback

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/adaptation"
	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/suggestion"
)

// Evaluator re-examines the confidence adjustment for a source after new
// feedback arrives.
type Evaluator interface {
	Evaluate(ctx context.Context, source string) (*adaptation.LearningEvent, error)
}

type SubmitResult struct {
	Feedback      *Feedback                 `json:"feedback"`
	LearningEvent *adaptation.LearningEvent `json:"learning_event,omitempty"`
	// AdjustmentError is set when the feedback was stored but the follow-up
	// evaluation failed. The next submission for the source reconsiders it.
	AdjustmentError string `json:"adjustment_error,omitempty"`
}

type Service struct {
	repo        Repository
	suggestions SuggestionLookup
	evaluator   Evaluator
	logger      zerolog.Logger
	now         func() time.Time
}

func NewService(repo Repository, suggestions SuggestionLookup, evaluator Evaluator, logger zerolog.Logger) *Service {
	return &Service{
		repo:        repo,
		suggestions: suggestions,
		evaluator:   evaluator,
		logger:      logger.With().Str("component", "feedback").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Submit records feedback and then evaluates the adjustment for the rated
// suggestion's source. If evaluation fails the feedback stays recorded and
// the error is returned alongside the result.
func (s *Service) Submit(ctx context.Context, fb *Feedback) (*SubmitResult, error) {
	if err := fb.Validate(); err != nil {
		return nil, err
	}
	sg, err := s.suggestions.GetByID(ctx, fb.SuggestionID)
	if err != nil {
		return nil, err
	}

	fb.CreatedAt = s.now()
	if err := s.repo.Create(ctx, fb); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("feedback_id", fb.ID.String()).
		Str("suggestion_id", fb.SuggestionID.String()).
		Str("source", sg.Source).
		Str("action", fb.Action).
		Msg("feedback recorded")

	res := &SubmitResult{Feedback: fb}
	if s.evaluator == nil {
		return res, nil
	}
	ev, err := s.evaluator.Evaluate(ctx, sg.Source)
	if err != nil {
		s.logger.Error().Err(err).Str("source", sg.Source).Msg("confidence adjustment failed")
		return res, fmt.Errorf("feedback %s recorded but adjustment for %s failed: %w", fb.ID, sg.Source, err)
	}
	res.LearningEvent = ev
	return res, nil
}

func (s *Service) window(days int, source string) (time.Time, error) {
	if days == 0 {
		days = DefaultWindowDays
	}
	if days < 0 || days > MaxWindowDays {
		return time.Time{}, fmt.Errorf("%w: days must be between 1 and %d", ErrInvalidFeedback, MaxWindowDays)
	}
	if source != "" {
		if _, err := suggestion.LineageOf(source); err != nil {
			return time.Time{}, fmt.Errorf("%w: %w", ErrInvalidFeedback, err)
		}
	}
	return s.now().Add(-time.Duration(days) * 24 * time.Hour), nil
}

// Stats aggregates feedback from the last days days (30 when zero).
func (s *Service) Stats(ctx context.Context, days int, source string) (*Stats, error) {
	since, err := s.window(days, source)
	if err != nil {
		return nil, err
	}
	records, err := s.repo.ListSince(ctx, since, source)
	if err != nil {
		return nil, err
	}
	st := Aggregate(records, since, source)
	return &st, nil
}

func (s *Service) Timeline(ctx context.Context, days int, bucket, source string) ([]TimelineBucket, error) {
	if bucket == "" {
		bucket = BucketDay
	}
	if _, err := BucketStart(time.Time{}, bucket); err != nil {
		return nil, err
	}
	since, err := s.window(days, source)
	if err != nil {
		return nil, err
	}
	records, err := s.repo.ListSince(ctx, since, source)
	if err != nil {
		return nil, err
	}
	return BuildTimeline(records, bucket)
}
