package adaptation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownSource        = errors.New("unknown adjustment source")
	ErrInvalidConfiguration = errors.New("invalid adaptation configuration")
)

// Learning event types.
const (
	EventConfidenceIncrease = "confidence_increase"
	EventConfidenceDecrease = "confidence_decrease"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Config holds every constant the adjuster decides with. Both cutoffs are
// inclusive. Window is a fixed calendar window ending at evaluation time.
type Config struct {
	MinFeedback   int
	HighCutoff    float64
	LowCutoff     float64
	Step          float64
	MaxAdjustment float64
	MinAdjustment float64
	Window        time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinFeedback:   10,
		HighCutoff:    0.80,
		LowCutoff:     0.20,
		Step:          0.05,
		MaxAdjustment: 0.30,
		MinAdjustment: -0.30,
		Window:        30 * 24 * time.Hour,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MinFeedback < 1:
		return fmt.Errorf("%w: min feedback must be at least 1", ErrInvalidConfiguration)
	case c.LowCutoff < 0 || c.HighCutoff > 1 || c.LowCutoff >= c.HighCutoff:
		return fmt.Errorf("%w: need 0 <= low cutoff (%v) < high cutoff (%v) <= 1", ErrInvalidConfiguration, c.LowCutoff, c.HighCutoff)
	case c.Step <= 0 || c.Step > 1:
		return fmt.Errorf("%w: step %v outside (0,1]", ErrInvalidConfiguration, c.Step)
	case c.MinAdjustment > 0 || c.MaxAdjustment < 0 || c.MinAdjustment < -1 || c.MaxAdjustment > 1:
		return fmt.Errorf("%w: need -1 <= min (%v) <= 0 <= max (%v) <= 1", ErrInvalidConfiguration, c.MinAdjustment, c.MaxAdjustment)
	case c.Window < 24*time.Hour:
		return fmt.Errorf("%w: window must be at least one day", ErrInvalidConfiguration)
	}
	return nil
}

// WindowDays is the window length in whole days.
func (c Config) WindowDays() int {
	return int(c.Window / (24 * time.Hour))
}

// ConfidenceAdjustment is the learned offset for one suggestion source.
type ConfidenceAdjustment struct {
	Source    string    `db:"source" json:"source"`
	Value     float64   `db:"value" json:"value"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// LearningEvent records one adjustment mutation. Rows are never updated.
type LearningEvent struct {
	ID                uuid.UUID `db:"id" json:"id"`
	EventType         string    `db:"event_type" json:"event_type"`
	AffectedSource    string    `db:"affected_source" json:"affected_source"`
	PreviousValue     float64   `db:"previous_value" json:"previous_value"`
	NewValue          float64   `db:"new_value" json:"new_value"`
	TriggerReason     string    `db:"trigger_reason" json:"trigger_reason"`
	FeedbackCountUsed int       `db:"feedback_count_used" json:"feedback_count_used"`
	IsActive          bool      `db:"is_active" json:"is_active"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// Sample is the uncounted feedback for one source. Membership is decided
// by whether a learning event has claimed the record, not by timestamps,
// so feedback that commits after a concurrent event is still counted.
type Sample struct {
	FeedbackIDs []uuid.UUID
	Accepted    int
}

func (s Sample) Total() int { return len(s.FeedbackIDs) }

// decision is the outcome of one evaluation. Skip is set when the value
// does not change.
type decision struct {
	Rate      float64
	Next      float64
	EventType string
	Cutoff    string
	Skip      string
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// decide applies the cutoff rules to one acceptance sample.
func decide(cfg Config, current float64, total, accepted int) decision {
	if total < cfg.MinFeedback {
		return decision{Next: current, Skip: fmt.Sprintf("%d feedback items, need %d", total, cfg.MinFeedback)}
	}
	d := decision{Rate: float64(accepted) / float64(total), Next: current}

	switch {
	case d.Rate >= cfg.HighCutoff:
		d.Next = round6(math.Min(current+cfg.Step, cfg.MaxAdjustment))
		d.EventType = EventConfidenceIncrease
		d.Cutoff = fmt.Sprintf(">= high cutoff %.2f", cfg.HighCutoff)
	case d.Rate <= cfg.LowCutoff:
		d.Next = round6(math.Max(current-cfg.Step, cfg.MinAdjustment))
		d.EventType = EventConfidenceDecrease
		d.Cutoff = fmt.Sprintf("<= low cutoff %.2f", cfg.LowCutoff)
	default:
		d.Skip = fmt.Sprintf("acceptance rate %.2f between cutoffs", d.Rate)
		return d
	}

	if d.Next == current {
		d.Skip = fmt.Sprintf("adjustment already at bound %.2f", current)
		d.EventType = ""
	}
	return d
}

func triggerReason(cfg Config, d decision, total, accepted int, since time.Time) string {
	return fmt.Sprintf("Acceptance rate %.2f (%d of %d accepted) %s; %d feedback items since %s in fixed %d-day window.",
		d.Rate, accepted, total, d.Cutoff, total, since.UTC().Format(time.RFC3339), cfg.WindowDays())
}
