package scoring

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMinSharedKeywords is how many vocabulary keywords two texts must
// share to count as duplicates.
const DefaultMinSharedKeywords = 2

// MaxSuggestionLength bounds suggestion text, in runes.
const MaxSuggestionLength = 500

var (
	ErrEmptySuggestion   = errors.New("suggestion text is empty")
	ErrSuggestionTooLong = fmt.Errorf("suggestion text exceeds %d characters", MaxSuggestionLength)
	ErrPrescriptiveText  = errors.New("suggestion text must not contain dosing instructions")
)

// dosing matches quantities with drug units ("500 mg", "2 tablets") and
// administration schedules ("twice daily", "q8h").
var dosing = regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s*(?:mg|mcg|µg|g|ml|units?|iu|tablets?|tabs?|capsules?|puffs?)\b|\b(?:once|twice|three times)\s+(?:a\s+)?daily\b|\bq\d+h\b|\bbid\b|\btid\b|\bqid\b`)

// ValidateSuggestionText enforces the length bound and rejects prescriptive
// dosing language.
func ValidateSuggestionText(text string) error {
	t := strings.TrimSpace(text)
	if t == "" {
		return ErrEmptySuggestion
	}
	if utf8.RuneCountInString(t) > MaxSuggestionLength {
		return ErrSuggestionTooLong
	}
	if dosing.MatchString(t) {
		return ErrPrescriptiveText
	}
	return nil
}

// Tokenize lowercases text and splits it on anything that is not a letter
// or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Deduper merges candidate lists by shared clinical keywords.
type Deduper struct {
	vocab     map[string]bool
	minShared int
}

func NewDeduper(vocabulary []string, minShared int) *Deduper {
	if minShared < 1 {
		minShared = DefaultMinSharedKeywords
	}
	vocab := make(map[string]bool, len(vocabulary))
	for _, w := range vocabulary {
		vocab[strings.ToLower(w)] = true
	}
	return &Deduper{vocab: vocab, minShared: minShared}
}

// Keywords returns the vocabulary words present in text.
func (d *Deduper) Keywords(text string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range Tokenize(text) {
		if d.vocab[tok] {
			out[tok] = true
		}
	}
	return out
}

func (d *Deduper) Duplicate(a, b string) bool {
	return sharedCount(d.Keywords(a), d.Keywords(b)) >= d.minShared
}

func sharedCount(a, b map[string]bool) int {
	n := 0
	for k := range a {
		if b[k] {
			n++
		}
	}
	return n
}

// Merge unions rule and model candidates. Rule candidates are inserted
// first; a later duplicate only replaces an earlier one with strictly higher
// confidence, so ties keep the earlier text. A kept item whose duplicate came
// from another lineage is tagged LineageHybrid. A replacement brings new
// keywords, so the survivor is rechecked against the other kept items until
// no two of them are duplicates. The result is sorted by confidence,
// descending and stable.
func (d *Deduper) Merge(rules, model []Candidate) []Candidate {
	type entry struct {
		c        Candidate
		keywords map[string]bool
	}
	var kept []entry

	// fold combines two duplicates; b wins only on strictly higher confidence.
	fold := func(a, b entry) entry {
		keep, lose := a, b
		if b.c.Confidence > a.c.Confidence {
			keep, lose = b, a
		}
		if a.c.Source != b.c.Source {
			keep.c.Source = LineageHybrid
			keep.c.Explanation = corroborated(keep.c.Explanation, lose.c)
		}
		return keep
	}

	collapse := func(i int) {
		for {
			j := -1
			for k := range kept {
				if k != i && sharedCount(kept[i].keywords, kept[k].keywords) >= d.minShared {
					j = k
					break
				}
			}
			if j < 0 {
				return
			}
			lo, hi := min(i, j), max(i, j)
			kept[lo] = fold(kept[lo], kept[hi])
			kept = append(kept[:hi], kept[hi+1:]...)
			i = lo
		}
	}

	add := func(c Candidate) {
		e := entry{c: c, keywords: d.Keywords(c.Text)}
		for i := range kept {
			if sharedCount(e.keywords, kept[i].keywords) < d.minShared {
				continue
			}
			replaced := c.Confidence > kept[i].c.Confidence
			kept[i] = fold(kept[i], e)
			if replaced {
				collapse(i)
			}
			return
		}
		kept = append(kept, e)
	}

	for _, c := range rules {
		add(c)
	}
	for _, c := range model {
		add(c)
	}

	out := make([]Candidate, len(kept))
	for i, e := range kept {
		out[i] = e.c
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

func corroborated(explanation string, other Candidate) string {
	return fmt.Sprintf("%s Corroborated by %s suggestion %q (confidence %.2f).",
		strings.TrimSpace(explanation), other.Source, other.Text, other.Confidence)
}
