package adaptation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/db"
)

type snapshot map[string]ConfidenceAdjustment

// Adjuster keeps one learned confidence offset per suggestion source.
//
// Writers for a source are serialized twice: by an in-process mutex and by
// a row lock on the adjustment inside the evaluation transaction, so two
// replicas evaluating the same source still read the committed baseline.
// Readers never block; they load an immutable snapshot that is swapped
// after each committed change.
type Adjuster struct {
	cfg     Config
	repo    Repository
	samples SampleSource
	tx      db.TxRunner
	logger  zerolog.Logger

	sources []string
	locks   map[string]*sync.Mutex

	snapMu sync.Mutex
	snap   atomic.Pointer[snapshot]

	listenerMu sync.RWMutex
	listeners  []func(LearningEvent)

	now func() time.Time
}

func NewAdjuster(cfg Config, repo Repository, samples SampleSource, tx db.TxRunner, sources []string, logger zerolog.Logger) (*Adjuster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no sources", ErrInvalidConfiguration)
	}

	a := &Adjuster{
		cfg:     cfg,
		repo:    repo,
		samples: samples,
		tx:      tx,
		logger:  logger.With().Str("component", "adaptation").Logger(),
		locks:   make(map[string]*sync.Mutex, len(sources)),
		now:     func() time.Time { return time.Now().UTC() },
	}
	initial := make(snapshot, len(sources))
	for _, s := range sources {
		if _, dup := a.locks[s]; dup {
			continue
		}
		a.sources = append(a.sources, s)
		a.locks[s] = &sync.Mutex{}
		initial[s] = ConfidenceAdjustment{Source: s}
	}
	sort.Strings(a.sources)
	a.snap.Store(&initial)
	return a, nil
}

func (a *Adjuster) Config() Config { return a.cfg }

// OnEvent registers fn to be called with every committed learning event.
// Listeners run synchronously after the snapshot is updated and must not
// block.
func (a *Adjuster) OnEvent(fn func(LearningEvent)) {
	a.listenerMu.Lock()
	a.listeners = append(a.listeners, fn)
	a.listenerMu.Unlock()
}

func (a *Adjuster) notify(ev LearningEvent) {
	a.listenerMu.RLock()
	defer a.listenerMu.RUnlock()
	for _, fn := range a.listeners {
		fn(ev)
	}
}

// Sources returns the known sources in sorted order.
func (a *Adjuster) Sources() []string {
	return append([]string(nil), a.sources...)
}

// Seed makes sure every known source has a persisted row, then loads the
// stored values.
func (a *Adjuster) Seed(ctx context.Context) error {
	if err := a.repo.Seed(ctx, a.sources); err != nil {
		return err
	}
	return a.Refresh(ctx)
}

// Refresh replaces the snapshot with the persisted values. Rows for sources
// this process does not know are ignored.
func (a *Adjuster) Refresh(ctx context.Context) error {
	rows, err := a.repo.List(ctx)
	if err != nil {
		return err
	}
	a.snapMu.Lock()
	defer a.snapMu.Unlock()

	next := make(snapshot, len(a.sources))
	for k, v := range *a.snap.Load() {
		next[k] = v
	}
	for _, r := range rows {
		if _, ok := a.locks[r.Source]; ok {
			next[r.Source] = r
		}
	}
	a.snap.Store(&next)
	return nil
}

func (a *Adjuster) publish(adj ConfidenceAdjustment) {
	a.snapMu.Lock()
	defer a.snapMu.Unlock()

	cur := *a.snap.Load()
	next := make(snapshot, len(cur))
	for k, v := range cur {
		next[k] = v
	}
	next[adj.Source] = adj
	a.snap.Store(&next)
}

// Get returns the current adjustment record for source.
func (a *Adjuster) Get(source string) (ConfidenceAdjustment, error) {
	adj, ok := (*a.snap.Load())[source]
	if !ok {
		return ConfidenceAdjustment{}, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	return adj, nil
}

func (a *Adjuster) Adjustment(source string) (float64, error) {
	adj, err := a.Get(source)
	if err != nil {
		return 0, err
	}
	return adj.Value, nil
}

// Adjustments returns {source: value} for every known source.
func (a *Adjuster) Adjustments() map[string]float64 {
	snap := *a.snap.Load()
	out := make(map[string]float64, len(snap))
	for k, v := range snap {
		out[k] = v.Value
	}
	return out
}

// Apply adds the source's adjustment to confidence and clamps to [0,1].
// Unknown sources are not adjusted.
func (a *Adjuster) Apply(source string, confidence float64) float64 {
	adj, _ := a.Adjustment(source)
	return math.Max(0, math.Min(1, confidence+adj))
}

// Evaluate re-examines the acceptance rate for source and records at most
// one learning event. A nil event with a nil error means nothing changed.
// The sample holds only feedback no earlier event has counted, and an event
// claims its sample in the same transaction, so the same feedback never
// drives two adjustments.
func (a *Adjuster) Evaluate(ctx context.Context, source string) (*LearningEvent, error) {
	mu, ok := a.locks[source]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	mu.Lock()
	defer mu.Unlock()

	var (
		ev       *LearningEvent
		updated  *ConfidenceAdjustment
		observed *ConfidenceAdjustment
	)
	err := a.tx.WithTx(ctx, func(ctx context.Context) error {
		cur, err := a.repo.GetForUpdate(ctx, source)
		if err != nil {
			return err
		}
		observed = cur

		now := a.now()
		since := now.Add(-a.cfg.Window)
		sample, err := a.samples.AcceptanceSample(ctx, source, since)
		if err != nil {
			return fmt.Errorf("acceptance sample: %w", err)
		}
		total, accepted := sample.Total(), sample.Accepted

		d := decide(a.cfg, cur.Value, total, accepted)
		if d.Skip != "" {
			a.logger.Debug().
				Str("source", source).
				Int("feedback_count", total).
				Int("accepted", accepted).
				Float64("value", cur.Value).
				Str("reason", d.Skip).
				Msg("adjustment unchanged")
			return nil
		}

		if err := a.repo.Update(ctx, source, d.Next, now); err != nil {
			return err
		}
		ev = &LearningEvent{
			ID:                uuid.New(),
			EventType:         d.EventType,
			AffectedSource:    source,
			PreviousValue:     cur.Value,
			NewValue:          d.Next,
			TriggerReason:     triggerReason(a.cfg, d, total, accepted, since),
			FeedbackCountUsed: total,
			IsActive:          true,
			CreatedAt:         now,
		}
		if err := a.repo.CreateEvent(ctx, ev); err != nil {
			return err
		}
		if err := a.samples.MarkCounted(ctx, ev.ID, sample.FeedbackIDs); err != nil {
			return fmt.Errorf("mark feedback counted: %w", err)
		}
		updated = &ConfidenceAdjustment{Source: source, Value: d.Next, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", source, err)
	}
	if updated == nil {
		// Another replica may have moved the value since the last refresh.
		if observed != nil {
			if known, _ := a.Get(source); known.Value != observed.Value {
				a.publish(*observed)
			}
		}
		return nil, nil
	}

	a.publish(*updated)
	a.logger.Info().
		Str("source", source).
		Str("event_type", ev.EventType).
		Float64("previous_value", ev.PreviousValue).
		Float64("new_value", ev.NewValue).
		Int("feedback_count", ev.FeedbackCountUsed).
		Msg("confidence adjustment changed")
	a.notify(*ev)
	return ev, nil
}

// EvaluateAll runs Evaluate once per known source. Every source is tried;
// errors are joined.
func (a *Adjuster) EvaluateAll(ctx context.Context) ([]*LearningEvent, error) {
	var (
		events []*LearningEvent
		errs   []error
	)
	for _, s := range a.sources {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ev, err := a.Evaluate(ctx, s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return events, errors.Join(errs...)
}

// History returns learning events newest first. limit defaults to
// DefaultHistoryLimit and is capped at MaxHistoryLimit.
func (a *Adjuster) History(ctx context.Context, limit int) ([]*LearningEvent, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return a.repo.ListEvents(ctx, limit)
}
