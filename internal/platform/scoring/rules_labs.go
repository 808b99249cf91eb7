package scoring

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type LabStatus string

const (
	LabLow     LabStatus = "low"
	LabNormal  LabStatus = "normal"
	LabHigh    LabStatus = "high"
	LabUnknown LabStatus = "unknown"
)

// LabFlag is one lab result checked against its normal range.
type LabFlag struct {
	Name   string    `json:"name"`
	Value  float64   `json:"value"`
	Unit   string    `json:"unit,omitempty"`
	Range  string    `json:"reference_range,omitempty"`
	Status LabStatus `json:"status"`
}

// Range is a parsed reference range. A nil bound is open. Inclusive bounds
// count as normal at the limit.
type Range struct {
	Lo, Hi         *float64
	LoIncl, HiIncl bool
}

func (r Range) Status(v float64) LabStatus {
	if r.Lo != nil && (v < *r.Lo || (!r.LoIncl && v == *r.Lo)) {
		return LabLow
	}
	if r.Hi != nil && (v > *r.Hi || (!r.HiIncl && v == *r.Hi)) {
		return LabHigh
	}
	return LabNormal
}

var (
	rangeSpan  = regexp.MustCompile(`^\s*(-?\d+(?:\.\d+)?)\s*(?:-|–|to)\s*(-?\d+(?:\.\d+)?)`)
	rangeBound = regexp.MustCompile(`^\s*(<=|>=|<|>|≤|≥)\s*(-?\d+(?:\.\d+)?)`)
)

// ParseRange accepts "lo-hi", "<hi", "<=hi", ">lo" and ">=lo". Trailing
// units are ignored.
func ParseRange(s string) (Range, bool) {
	if m := rangeSpan.FindStringSubmatch(s); m != nil {
		lo, _ := strconv.ParseFloat(m[1], 64)
		hi, _ := strconv.ParseFloat(m[2], 64)
		if lo > hi {
			return Range{}, false
		}
		return Range{Lo: &lo, Hi: &hi, LoIncl: true, HiIncl: true}, true
	}
	if m := rangeBound.FindStringSubmatch(s); m != nil {
		v, _ := strconv.ParseFloat(m[2], 64)
		switch m[1] {
		case "<":
			return Range{Hi: &v}, true
		case "<=", "≤":
			return Range{Hi: &v, HiIncl: true}, true
		case ">":
			return Range{Lo: &v}, true
		case ">=", "≥":
			return Range{Lo: &v, LoIncl: true}, true
		}
	}
	return Range{}, false
}

func normalizeTestName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// latestLabs keeps the most recent valued result per test name.
func latestLabs(labs []LabResult) []LabResult {
	byName := map[string]LabResult{}
	var order []string
	for _, l := range labs {
		if l.Value == nil {
			continue
		}
		key := normalizeTestName(l.Name)
		cur, ok := byName[key]
		if !ok {
			order = append(order, key)
			byName[key] = l
			continue
		}
		if l.RecordedAt.After(cur.RecordedAt) {
			byName[key] = l
		}
	}
	sort.Strings(order)
	out := make([]LabResult, 0, len(order))
	for _, k := range order {
		out = append(out, byName[k])
	}
	return out
}

// AssessLabs flags the latest result of each test against its reference
// range. Results without a parseable range are reported unknown.
func (s *RuleScorer) AssessLabs(labs []LabResult) []LabFlag {
	flags := []LabFlag{}
	for _, l := range latestLabs(labs) {
		status := LabUnknown
		if r, ok := ParseRange(l.ReferenceRange); ok {
			status = r.Status(*l.Value)
		}
		flags = append(flags, LabFlag{
			Name:   l.Name,
			Value:  *l.Value,
			Unit:   l.Unit,
			Range:  l.ReferenceRange,
			Status: status,
		})
	}
	return flags
}

// labTriggers reports whether rule fires for lab. The reference range decides
// when present; otherwise the rule's fallback threshold does.
func labTriggers(rule LabRule, lab LabResult) (bool, string) {
	v := *lab.Value
	if r, ok := ParseRange(lab.ReferenceRange); ok {
		st := r.Status(v)
		if string(st) != rule.Direction {
			return false, ""
		}
		word := "below"
		if st == LabHigh {
			word = "above"
		}
		return true, fmt.Sprintf("%s %s %s %s reference range %s",
			lab.Name, formatValue(v), lab.Unit, word, lab.ReferenceRange)
	}
	if rule.Fallback.empty() || !rule.Fallback.Matches(v) {
		return false, ""
	}
	return true, fmt.Sprintf("%s %s %s outside the default %s threshold",
		lab.Name, formatValue(v), lab.Unit, rule.Direction)
}

// SuggestDiagnoses applies the lab and vital pattern tables. Output order is
// table order, which keeps it deterministic.
func (s *RuleScorer) SuggestDiagnoses(labs []LabResult, readings []VitalReading) []Candidate {
	out := []Candidate{}

	latest := latestLabs(labs)
	for _, rule := range s.rules.Labs {
		for _, lab := range latest {
			if !containsString(rule.Tests, normalizeTestName(lab.Name)) {
				continue
			}
			ok, why := labTriggers(rule, lab)
			if !ok {
				continue
			}
			out = append(out, Candidate{
				Text:        rule.Text,
				Confidence:  rule.Confidence,
				Explanation: "Rule " + rule.Name + ": " + strings.Join(strings.Fields(why), " ") + ".",
				Source:      LineageRules,
			})
			break
		}
	}

	for _, p := range s.rules.Patterns {
		n := 0
		for _, r := range readings {
			if p.matches(r) {
				n++
			}
		}
		if n < p.MinReadings {
			continue
		}
		out = append(out, Candidate{
			Text:        p.Text,
			Confidence:  p.Confidence,
			Explanation: fmt.Sprintf("Rule %s: matched in %d of %d readings.", p.Name, n, len(readings)),
			Source:      LineageRules,
		})
	}

	return out
}

func (p VitalPattern) matches(r VitalReading) bool {
	hits := 0
	for _, c := range p.Conditions {
		v, ok := vitalValue(r, c.Vital)
		if ok && c.Matches(v) {
			hits++
		}
	}
	if p.Match == "any" {
		return hits > 0
	}
	return hits == len(p.Conditions)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
