package feedback

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidFeedback = errors.New("invalid feedback")
	ErrInvalidAction   = errors.New("invalid feedback action")
	ErrInvalidBucket   = errors.New("invalid timeline bucket")
)

// Clinician actions on a suggestion.
const (
	ActionAccept         = "accept"
	ActionIgnore         = "ignore"
	ActionNotRelevant    = "not_relevant"
	ActionPartiallyAgree = "partially_agree"
	ActionIncorrect      = "incorrect"
)

var Actions = []string{ActionAccept, ActionIgnore, ActionNotRelevant, ActionPartiallyAgree, ActionIncorrect}

const (
	DefaultWindowDays = 30
	MaxWindowDays     = 365
	MaxCommentLength  = 2000
)

// Feedback is one clinician reaction to a suggestion. Rows are append-only.
type Feedback struct {
	ID                 uuid.UUID `db:"id" json:"id"`
	SuggestionID       uuid.UUID `db:"suggestion_id" json:"suggestion_id"`
	ClinicianID        string    `db:"clinician_id" json:"clinician_id"`
	Action             string    `db:"action" json:"action"`
	ClinicalRelevance  *int      `db:"clinical_relevance" json:"clinical_relevance,omitempty"`
	AgreementRating    *int      `db:"agreement_rating" json:"agreement_rating,omitempty"`
	ExplanationQuality *int      `db:"explanation_quality" json:"explanation_quality,omitempty"`
	WouldActOn         *int      `db:"would_act_on" json:"would_act_on,omitempty"`
	Comments           *string   `db:"comments" json:"comments,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
}

// Record is feedback joined with the source of the suggestion it rates.
type Record struct {
	Feedback
	Source string `db:"source" json:"source"`
}

func validAction(a string) bool {
	for _, v := range Actions {
		if v == a {
			return true
		}
	}
	return false
}

func (f *Feedback) Validate() error {
	if f.SuggestionID == uuid.Nil {
		return fmt.Errorf("%w: suggestion_id is required", ErrInvalidFeedback)
	}
	f.ClinicianID = strings.TrimSpace(f.ClinicianID)
	if f.ClinicianID == "" {
		return fmt.Errorf("%w: clinician_id is required", ErrInvalidFeedback)
	}
	if !validAction(f.Action) {
		return fmt.Errorf("%w: %w %q", ErrInvalidFeedback, ErrInvalidAction, f.Action)
	}
	for _, r := range []struct {
		name string
		v    *int
	}{
		{"clinical_relevance", f.ClinicalRelevance},
		{"agreement_rating", f.AgreementRating},
		{"explanation_quality", f.ExplanationQuality},
		{"would_act_on", f.WouldActOn},
	} {
		if r.v != nil && (*r.v < 1 || *r.v > 5) {
			return fmt.Errorf("%w: %s must be between 1 and 5, got %d", ErrInvalidFeedback, r.name, *r.v)
		}
	}
	if f.Comments != nil {
		c := strings.TrimSpace(*f.Comments)
		if len([]rune(c)) > MaxCommentLength {
			return fmt.Errorf("%w: comments exceed %d characters", ErrInvalidFeedback, MaxCommentLength)
		}
		if c == "" {
			f.Comments = nil
		} else {
			f.Comments = &c
		}
	}
	return nil
}
