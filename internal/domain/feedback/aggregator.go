package feedback

import (
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Timeline bucket widths.
const (
	BucketHour = "hour"
	BucketDay  = "day"
	BucketWeek = "week"
)

// RatingMeans averages each Likert rating over the feedback that supplied
// it. A nil mean means no feedback in the window rated that dimension.
type RatingMeans struct {
	ClinicalRelevance  *float64 `json:"clinical_relevance"`
	AgreementRating    *float64 `json:"agreement_rating"`
	ExplanationQuality *float64 `json:"explanation_quality"`
	WouldActOn         *float64 `json:"would_act_on"`
}

type Stats struct {
	Since          time.Time      `json:"since"`
	Source         string         `json:"source,omitempty"`
	Total          int            `json:"total"`
	AcceptanceRate float64        `json:"acceptance_rate"`
	Actions        map[string]int `json:"actions"`
	Sources        map[string]int `json:"sources"`
	Ratings        RatingMeans    `json:"ratings"`
}

type TimelineBucket struct {
	Start          time.Time `json:"start"`
	Total          int       `json:"total"`
	Accepted       int       `json:"accepted"`
	Ignored        int       `json:"ignored"`
	NotRelevant    int       `json:"not_relevant"`
	AcceptanceRate float64   `json:"acceptance_rate"`
}

func matches(r Record, since time.Time, source string) bool {
	return !r.CreatedAt.Before(since) && (source == "" || r.Source == source)
}

func mean(xs []float64) *float64 {
	if len(xs) == 0 {
		return nil
	}
	m := stat.Mean(xs, nil)
	return &m
}

func appendRating(xs []float64, v *int) []float64 {
	if v == nil {
		return xs
	}
	return append(xs, float64(*v))
}

// Aggregate summarizes records created at or after since, optionally for a
// single source. It never modifies records.
func Aggregate(records []Record, since time.Time, source string) Stats {
	st := Stats{
		Since:   since,
		Source:  source,
		Actions: make(map[string]int, len(Actions)),
		Sources: map[string]int{},
	}
	for _, a := range Actions {
		st.Actions[a] = 0
	}

	var relevance, agreement, quality, act []float64
	accepted := 0
	for _, r := range records {
		if !matches(r, since, source) {
			continue
		}
		st.Total++
		st.Actions[r.Action]++
		st.Sources[r.Source]++
		if r.Action == ActionAccept {
			accepted++
		}
		relevance = appendRating(relevance, r.ClinicalRelevance)
		agreement = appendRating(agreement, r.AgreementRating)
		quality = appendRating(quality, r.ExplanationQuality)
		act = appendRating(act, r.WouldActOn)
	}

	if st.Total > 0 {
		st.AcceptanceRate = float64(accepted) / float64(st.Total)
	}
	st.Ratings = RatingMeans{
		ClinicalRelevance:  mean(relevance),
		AgreementRating:    mean(agreement),
		ExplanationQuality: mean(quality),
		WouldActOn:         mean(act),
	}
	return st
}

// BucketStart truncates t to the start of its bucket in UTC. Weeks start on
// Monday.
func BucketStart(t time.Time, bucket string) (time.Time, error) {
	t = t.UTC()
	switch bucket {
	case BucketHour:
		return t.Truncate(time.Hour), nil
	case BucketDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case BucketWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidBucket, bucket)
}

// BuildTimeline counts records per bucket, oldest bucket first. Empty
// buckets are omitted.
func BuildTimeline(records []Record, bucket string) ([]TimelineBucket, error) {
	if _, err := BucketStart(time.Time{}, bucket); err != nil {
		return nil, err
	}

	byStart := map[time.Time]*TimelineBucket{}
	for _, r := range records {
		start, _ := BucketStart(r.CreatedAt, bucket)
		b, ok := byStart[start]
		if !ok {
			b = &TimelineBucket{Start: start}
			byStart[start] = b
		}
		b.Total++
		switch r.Action {
		case ActionAccept:
			b.Accepted++
		case ActionIgnore:
			b.Ignored++
		case ActionNotRelevant:
			b.NotRelevant++
		}
	}

	out := make([]TimelineBucket, 0, len(byStart))
	for _, b := range byStart {
		b.AcceptanceRate = float64(b.Accepted) / float64(b.Total)
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}
