package suggestion

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/scoring"
)

var (
	ErrNotFound          = errors.New("suggestion not found")
	ErrInvalidSuggestion = errors.New("invalid suggestion")
	ErrInvalidType       = errors.New("invalid suggestion type")
	ErrInvalidSource     = errors.New("invalid suggestion source")
)

// Suggestion types.
const (
	TypeVitalRisk    = "vital_risk"
	TypeImageFinding = "image_finding"
	TypeDiagnosis    = "diagnosis"
)

// Suggestion sources. The last three name the hybrid pipeline that produced
// a merged result.
const (
	SourceRules           = "rules"
	SourceAIModel         = "ai_model"
	SourceHybrid          = "hybrid"
	SourceVitalRisk       = "vital_risk"
	SourceImageAnalysis   = "image_analysis"
	SourceDiagnosisHelper = "diagnosis_helper"
)

// KnownSources is every source a confidence adjustment can be kept for.
var KnownSources = []string{
	SourceRules, SourceAIModel, SourceHybrid,
	SourceVitalRisk, SourceImageAnalysis, SourceDiagnosisHelper,
}

var validTypes = map[string]bool{
	TypeVitalRisk: true, TypeImageFinding: true, TypeDiagnosis: true,
}

var lineages = map[string]scoring.Lineage{
	SourceRules:           scoring.LineageRules,
	SourceAIModel:         scoring.LineageModel,
	SourceHybrid:          scoring.LineageHybrid,
	SourceVitalRisk:       scoring.LineageHybrid,
	SourceImageAnalysis:   scoring.LineageHybrid,
	SourceDiagnosisHelper: scoring.LineageHybrid,
}

// LineageOf maps a suggestion source to the scorers behind it.
func LineageOf(source string) (scoring.Lineage, error) {
	l, ok := lineages[source]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, source)
	}
	return l, nil
}

// SourceFor names the suggestion source for a scorer lineage in the given
// suggestion type.
func SourceFor(suggestionType string, l scoring.Lineage) string {
	switch l {
	case scoring.LineageRules:
		return SourceRules
	case scoring.LineageModel:
		return SourceAIModel
	}
	switch suggestionType {
	case TypeVitalRisk:
		return SourceVitalRisk
	case TypeImageFinding:
		return SourceImageAnalysis
	case TypeDiagnosis:
		return SourceDiagnosisHelper
	}
	return SourceHybrid
}

// Suggestion is a persisted, explained recommendation. Confidence is stored
// as scored; the adjusted fields are filled at read time from the current
// confidence adjustment for Source.
type Suggestion struct {
	ID          uuid.UUID `db:"id" json:"id"`
	PatientID   uuid.UUID `db:"patient_id" json:"patient_id"`
	Type        string    `db:"type" json:"type"`
	Text        string    `db:"text" json:"text"`
	Source      string    `db:"source" json:"source"`
	Explanation string    `db:"explanation" json:"explanation"`
	Confidence  *float64  `db:"confidence" json:"confidence,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`

	ConfidenceAdjustment float64  `db:"-" json:"confidence_adjustment"`
	AdjustedConfidence   *float64 `db:"-" json:"adjusted_confidence,omitempty"`
}

// Validate trims Text and checks type, source, text and confidence bounds.
func (s *Suggestion) Validate() error {
	if s.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if !validTypes[s.Type] {
		return fmt.Errorf("%w: %q", ErrInvalidType, s.Type)
	}
	if _, err := LineageOf(s.Source); err != nil {
		return err
	}
	s.Text = strings.TrimSpace(s.Text)
	if err := scoring.ValidateSuggestionText(s.Text); err != nil {
		return err
	}
	if s.Confidence != nil && (math.IsNaN(*s.Confidence) || *s.Confidence < 0 || *s.Confidence > 1) {
		return fmt.Errorf("confidence must be in [0, 1], got %v", *s.Confidence)
	}
	return nil
}

// rankConfidence is the value suggestions are ordered by.
func (s *Suggestion) rankConfidence() float64 {
	if s.AdjustedConfidence != nil {
		return *s.AdjustedConfidence
	}
	if s.Confidence != nil {
		return *s.Confidence
	}
	return 0
}
