package scoring

import (
	"fmt"
	"math"
	"strings"
)

type vitalField struct {
	label string
	unit  string
	get   func(VitalReading) *float64
}

var vitalFields = map[string]vitalField{
	"heart_rate":       {"heart rate", "bpm", func(r VitalReading) *float64 { return r.HeartRate }},
	"systolic_bp":      {"systolic BP", "mmHg", func(r VitalReading) *float64 { return r.SystolicBP }},
	"diastolic_bp":     {"diastolic BP", "mmHg", func(r VitalReading) *float64 { return r.DiastolicBP }},
	"spo2":             {"SpO2", "%", func(r VitalReading) *float64 { return r.SpO2 }},
	"respiratory_rate": {"respiratory rate", "/min", func(r VitalReading) *float64 { return r.RespiratoryRate }},
	"temperature":      {"temperature", "C", func(r VitalReading) *float64 { return r.Temperature }},
	"pain_score":       {"pain score", "/10", func(r VitalReading) *float64 { return r.PainScore }},
}

func vitalValue(r VitalReading, name string) (float64, bool) {
	f, ok := vitalFields[name]
	if !ok {
		return 0, false
	}
	v := f.get(r)
	if v == nil || math.IsNaN(*v) {
		return 0, false
	}
	return *v, true
}

// RuleScorer applies fixed thresholds from a RuleSet. It holds no mutable
// state, so one instance serves concurrent callers.
type RuleScorer struct {
	rules *RuleSet
}

func NewRuleScorer(rules *RuleSet) *RuleScorer {
	if rules == nil {
		rules = DefaultRules()
	}
	return &RuleScorer{rules: rules}
}

func (s *RuleScorer) Rules() *RuleSet { return s.rules }

// AssessVitals scores the most recent reading, adds trend contributions from
// the two most recent readings and an optional age factor. The result is
// identical for identical input.
func (s *RuleScorer) AssessVitals(readings []VitalReading, patient PatientContext) Result {
	if len(readings) == 0 {
		return Result{
			Label:       string(RiskRoutine),
			Score:       0,
			Factors:     []string{},
			Explanation: "No vital signs recorded; no risk assessment possible.",
		}
	}

	sorted := SortVitals(readings)
	latest := sorted[0]

	var (
		score   float64
		factors = []string{}
		notes   []string
		fired   = map[string]bool{}
	)

	for _, f := range s.rules.Vitals.Factors {
		if f.Group != "" && fired[f.Group] {
			continue
		}
		v, ok := vitalValue(latest, f.Vital)
		if !ok || !f.Matches(v) {
			continue
		}
		if f.Group != "" {
			fired[f.Group] = true
		}
		score += f.Weight
		factors = append(factors, f.Factor)
		field := vitalFields[f.Vital]
		notes = append(notes, fmt.Sprintf("%s %s %s", field.label, formatValue(v), field.unit))
	}

	if len(sorted) >= 2 {
		prev := sorted[1]
		for _, t := range s.rules.Vitals.Trends {
			cur, ok1 := vitalValue(latest, t.Vital)
			old, ok2 := vitalValue(prev, t.Vital)
			if !ok1 || !ok2 {
				continue
			}
			delta := cur - old
			if math.Abs(delta) <= t.Delta {
				continue
			}
			score += t.Weight
			factors = append(factors, t.Factor)
			notes = append(notes, fmt.Sprintf("%s changed by %+.0f %s since previous reading",
				vitalFields[t.Vital].label, delta, vitalFields[t.Vital].unit))
		}
	}

	if a := s.rules.Vitals.AdvancedAge; a != nil && patient.Age != nil && *patient.Age >= a.MinAge {
		score += a.Weight
		factors = append(factors, a.Factor)
		notes = append(notes, fmt.Sprintf("age %d", *patient.Age))
	}

	score = roundScore(math.Min(score, 1.0))
	level := LevelForScore(score)

	var explanation string
	if len(notes) == 0 {
		explanation = fmt.Sprintf("Latest vitals within rule thresholds; risk %s (score %.2f).", level, score)
	} else {
		explanation = fmt.Sprintf("Rule-based risk %s (score %.2f): %s.", level, score, strings.Join(notes, "; "))
	}

	return Result{
		Label:       string(level),
		Score:       score,
		Factors:     factors,
		Explanation: explanation,
	}
}

func formatValue(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.1f", v)
}
