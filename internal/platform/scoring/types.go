// Package scoring produces vital risk assessments, image findings and
// diagnosis suggestion candidates from two independent scorers, a
// deterministic RuleScorer and a ModelScorer wrapping an external
// predictor, and combines them with the Combiner.
package scoring

import (
	"math"
	"sort"
	"time"
)

// Lineage records which scorers contributed to an output.
type Lineage string

const (
	LineageRules  Lineage = "rules"
	LineageModel  Lineage = "ml_model"
	LineageHybrid Lineage = "hybrid"
)

type RiskLevel string

const (
	RiskRoutine        RiskLevel = "routine"
	RiskNeedsAttention RiskLevel = "needs_attention"
	RiskHighConcern    RiskLevel = "high_concern"
)

// Image classifications. The first three are derived from a score; the rest
// are labels reported by the image model.
const (
	ClassNormal     = "normal"
	ClassSuspicious = "suspicious"
	ClassAbnormal   = "abnormal"

	ClassPneumonia    = "Pneumonia"
	ClassEffusion     = "Effusion"
	ClassCardiomegaly = "Cardiomegaly"
	ClassNodule       = "Nodule"
	ClassNoFinding    = "No Finding"
)

// ModelImageClasses is the closed label set accepted from the image model.
var ModelImageClasses = map[string]bool{
	ClassPneumonia:    true,
	ClassEffusion:     true,
	ClassCardiomegaly: true,
	ClassNodule:       true,
	ClassNoFinding:    true,
}

// Cut points shared by risk levels and image classifications.
const (
	HighCut   = 0.7
	MediumCut = 0.4
)

func LevelForScore(score float64) RiskLevel {
	switch {
	case score >= HighCut:
		return RiskHighConcern
	case score >= MediumCut:
		return RiskNeedsAttention
	default:
		return RiskRoutine
	}
}

func ClassForScore(score float64) string {
	switch {
	case score >= HighCut:
		return ClassAbnormal
	case score >= MediumCut:
		return ClassSuspicious
	default:
		return ClassNormal
	}
}

// VitalReading is one timestamped measurement set. Every measurement is
// independently optional.
type VitalReading struct {
	RecordedAt      time.Time `json:"recorded_at"`
	HeartRate       *float64  `json:"heart_rate,omitempty"`
	SystolicBP      *float64  `json:"systolic_bp,omitempty"`
	DiastolicBP     *float64  `json:"diastolic_bp,omitempty"`
	SpO2            *float64  `json:"spo2,omitempty"`
	RespiratoryRate *float64  `json:"respiratory_rate,omitempty"`
	Temperature     *float64  `json:"temperature,omitempty"`
	PainScore       *float64  `json:"pain_score,omitempty"`
}

// SortVitals returns a copy of readings ordered most recent first.
func SortVitals(readings []VitalReading) []VitalReading {
	out := make([]VitalReading, len(readings))
	copy(out, readings)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RecordedAt.After(out[j].RecordedAt)
	})
	return out
}

type LabResult struct {
	Name           string    `json:"name"`
	Value          *float64  `json:"value,omitempty"`
	Unit           string    `json:"unit,omitempty"`
	ReferenceRange string    `json:"reference_range,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// PatientContext carries optional demographics.
type PatientContext struct {
	Age *int    `json:"age,omitempty"`
	Sex *string `json:"sex,omitempty"`
}

// ImageInput is raw image bytes with the declared image type. Data may be
// empty when no image is on file.
type ImageInput struct {
	ID        string `json:"id"`
	ImageType string `json:"image_type"`
	Data      []byte `json:"-"`
}

// Result is the common output of a single scorer.
type Result struct {
	Label       string   `json:"label"`
	Score       float64  `json:"score"`
	Factors     []string `json:"factors"`
	Explanation string   `json:"explanation"`
	Heatmap     string   `json:"heatmap_reference,omitempty"`
}

type RiskAssessment struct {
	Level               RiskLevel `json:"risk_level"`
	Score               float64   `json:"score"`
	ContributingFactors []string  `json:"contributing_factors"`
	Explanation         string    `json:"explanation"`
	Source              Lineage   `json:"source"`
	RuleScore           float64   `json:"rule_score"`
	ModelScore          *float64  `json:"model_score,omitempty"`
}

type ImageFinding struct {
	AbnormalityScore float64  `json:"abnormality_score"`
	Classification   string   `json:"classification"`
	HeatmapReference *string  `json:"heatmap_reference,omitempty"`
	Explanation      string   `json:"explanation"`
	Source           Lineage  `json:"source"`
	Method           string   `json:"method"`
	RuleScore        float64  `json:"rule_score"`
	ModelScore       *float64 `json:"model_score,omitempty"`
}

// Image combination methods.
const (
	MethodRulesOnly     = "rules_only"
	MethodModelOverride = "model_override"
	MethodWeightedBlend = "weighted_blend"
)

// Candidate is a diagnosis suggestion before it is persisted.
type Candidate struct {
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
	Source      Lineage `json:"source"`
}

// roundScore strips float representation noise (0.4+0.2 = 0.6000000000000001)
// without losing meaningful precision.
func roundScore(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
