package scoring

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

var ErrInvalidRules = errors.New("invalid rule set")

// Threshold fires when any of its set bounds is crossed.
type Threshold struct {
	GT  *float64 `yaml:"gt"`
	GTE *float64 `yaml:"gte"`
	LT  *float64 `yaml:"lt"`
	LTE *float64 `yaml:"lte"`
}

func (t Threshold) Matches(v float64) bool {
	return (t.GT != nil && v > *t.GT) ||
		(t.GTE != nil && v >= *t.GTE) ||
		(t.LT != nil && v < *t.LT) ||
		(t.LTE != nil && v <= *t.LTE)
}

func (t Threshold) empty() bool {
	return t.GT == nil && t.GTE == nil && t.LT == nil && t.LTE == nil
}

type VitalFactor struct {
	Factor    string  `yaml:"factor"`
	Vital     string  `yaml:"vital"`
	Group     string  `yaml:"group"`
	Weight    float64 `yaml:"weight"`
	Threshold `yaml:",inline"`
}

type TrendFactor struct {
	Factor string  `yaml:"factor"`
	Vital  string  `yaml:"vital"`
	Delta  float64 `yaml:"delta"`
	Weight float64 `yaml:"weight"`
}

type AgeFactor struct {
	Factor string  `yaml:"factor"`
	MinAge int     `yaml:"min_age"`
	Weight float64 `yaml:"weight"`
}

type VitalRules struct {
	Factors     []VitalFactor `yaml:"factors"`
	Trends      []TrendFactor `yaml:"trends"`
	AdvancedAge *AgeFactor    `yaml:"advanced_age"`
}

type ImageFactor struct {
	Factor    string  `yaml:"factor"`
	Metric    string  `yaml:"metric"`
	Weight    float64 `yaml:"weight"`
	Threshold `yaml:",inline"`
}

type ImageRules struct {
	BrightLevel float64       `yaml:"bright_level"`
	MaxSamples  int           `yaml:"max_samples"`
	MaxPixels   int           `yaml:"max_pixels"`
	Factors     []ImageFactor `yaml:"factors"`
}

type LabRule struct {
	Name       string    `yaml:"name"`
	Tests      []string  `yaml:"tests"`
	Direction  string    `yaml:"direction"`
	Fallback   Threshold `yaml:"fallback"`
	Confidence float64   `yaml:"confidence"`
	Text       string    `yaml:"text"`
}

type Condition struct {
	Vital     string `yaml:"vital"`
	Threshold `yaml:",inline"`
}

type VitalPattern struct {
	Name        string      `yaml:"name"`
	Match       string      `yaml:"match"`
	Conditions  []Condition `yaml:"conditions"`
	MinReadings int         `yaml:"min_readings"`
	Confidence  float64     `yaml:"confidence"`
	Text        string      `yaml:"text"`
}

// RuleSet is the parsed rules document.
type RuleSet struct {
	Vitals     VitalRules     `yaml:"vitals"`
	Image      ImageRules     `yaml:"image"`
	Labs       []LabRule      `yaml:"labs"`
	Patterns   []VitalPattern `yaml:"vital_patterns"`
	Vocabulary []string       `yaml:"vocabulary"`
}

var imageMetrics = map[string]bool{
	"bright_fraction": true,
	"asymmetry":       true,
	"stddev":          true,
	"mean":            true,
}

// LoadRules parses the rule file at path, or the embedded defaults when path
// is empty.
func LoadRules(path string) (*RuleSet, error) {
	data := defaultRules
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rules file: %w", err)
		}
		data = b
	}
	return ParseRules(data)
}

// DefaultRules returns the embedded rule set. It panics if the embedded
// document is invalid, which the package tests rule out.
func DefaultRules() *RuleSet {
	rs, err := ParseRules(defaultRules)
	if err != nil {
		panic(err)
	}
	return rs
}

func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	for i := range rs.Labs {
		for j, t := range rs.Labs[i].Tests {
			rs.Labs[i].Tests[j] = normalizeTestName(t)
		}
	}
	for i, v := range rs.Vocabulary {
		rs.Vocabulary[i] = strings.ToLower(strings.TrimSpace(v))
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (rs *RuleSet) Validate() error {
	var errs []error
	weight := func(where string, w float64) {
		if w < 0 || w > 1 {
			errs = append(errs, fmt.Errorf("%s: weight %v outside [0,1]", where, w))
		}
	}

	for _, f := range rs.Vitals.Factors {
		if _, ok := vitalFields[f.Vital]; !ok {
			errs = append(errs, fmt.Errorf("vital factor %s: unknown vital %q", f.Factor, f.Vital))
		}
		if f.Threshold.empty() {
			errs = append(errs, fmt.Errorf("vital factor %s: no threshold", f.Factor))
		}
		weight("vital factor "+f.Factor, f.Weight)
	}
	for _, f := range rs.Vitals.Trends {
		if _, ok := vitalFields[f.Vital]; !ok {
			errs = append(errs, fmt.Errorf("trend %s: unknown vital %q", f.Factor, f.Vital))
		}
		if f.Delta <= 0 {
			errs = append(errs, fmt.Errorf("trend %s: delta must be positive", f.Factor))
		}
		weight("trend "+f.Factor, f.Weight)
	}
	if a := rs.Vitals.AdvancedAge; a != nil {
		weight("advanced age", a.Weight)
	}

	if rs.Image.BrightLevel <= 0 || rs.Image.BrightLevel >= 1 {
		errs = append(errs, fmt.Errorf("image bright_level %v outside (0,1)", rs.Image.BrightLevel))
	}
	if rs.Image.MaxSamples <= 0 {
		errs = append(errs, errors.New("image max_samples must be positive"))
	}
	if rs.Image.MaxPixels <= 0 {
		errs = append(errs, errors.New("image max_pixels must be positive"))
	}
	for _, f := range rs.Image.Factors {
		if !imageMetrics[f.Metric] {
			errs = append(errs, fmt.Errorf("image factor %s: unknown metric %q", f.Factor, f.Metric))
		}
		weight("image factor "+f.Factor, f.Weight)
	}

	for _, l := range rs.Labs {
		if len(l.Tests) == 0 {
			errs = append(errs, fmt.Errorf("lab rule %s: no tests", l.Name))
		}
		if l.Direction != "low" && l.Direction != "high" {
			errs = append(errs, fmt.Errorf("lab rule %s: direction must be low or high", l.Name))
		}
		weight("lab rule "+l.Name, l.Confidence)
		if err := ValidateSuggestionText(l.Text); err != nil {
			errs = append(errs, fmt.Errorf("lab rule %s: %w", l.Name, err))
		}
	}

	for _, p := range rs.Patterns {
		if p.Match != "any" && p.Match != "all" {
			errs = append(errs, fmt.Errorf("pattern %s: match must be any or all", p.Name))
		}
		if len(p.Conditions) == 0 {
			errs = append(errs, fmt.Errorf("pattern %s: no conditions", p.Name))
		}
		for _, c := range p.Conditions {
			if _, ok := vitalFields[c.Vital]; !ok {
				errs = append(errs, fmt.Errorf("pattern %s: unknown vital %q", p.Name, c.Vital))
			}
		}
		if p.MinReadings < 1 {
			errs = append(errs, fmt.Errorf("pattern %s: min_readings must be at least 1", p.Name))
		}
		weight("pattern "+p.Name, p.Confidence)
		if err := ValidateSuggestionText(p.Text); err != nil {
			errs = append(errs, fmt.Errorf("pattern %s: %w", p.Name, err))
		}
	}

	if len(rs.Vocabulary) == 0 {
		errs = append(errs, errors.New("vocabulary is empty"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRules, errors.Join(errs...))
	}
	return nil
}
