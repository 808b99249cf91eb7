//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/adaptation"
	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/feedback"
	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/suggestion"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/db"
)

// newAdjuster builds an adjuster over the shared database, the way a
// single server replica would.
func newAdjuster(t *testing.T) *adaptation.Adjuster {
	t.Helper()
	adj, err := adaptation.NewAdjuster(
		adaptation.DefaultConfig(),
		adaptation.NewRepoPG(globalPool),
		feedback.NewRepoPG(globalPool),
		db.NewTxRunner(globalPool),
		suggestion.KnownSources,
		zerolog.Nop(),
	)
	if err != nil {
		t.Fatalf("NewAdjuster: %v", err)
	}
	if err := adj.Seed(context.Background()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return adj
}

func countEvents(t *testing.T, source string) int {
	t.Helper()
	var n int
	if err := globalPool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM learning_event WHERE affected_source = $1`, source).Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func seedAccepted(t *testing.T, ctx context.Context, source string, n int) {
	t.Helper()
	repo := feedback.NewRepoPG(globalPool)
	sg := createTestSuggestion(t, ctx, createTestPatient(t, ctx), source, 0.7)
	start := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < n; i++ {
		submitFeedback(t, ctx, repo, sg.ID, feedback.ActionAccept, start.Add(time.Duration(i)*time.Second))
	}
}

func TestAdaptationRepo_SeedIsIdempotent(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	repo := adaptation.NewRepoPG(globalPool)

	if err := repo.Seed(ctx, suggestion.KnownSources); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if err := repo.Update(ctx, suggestion.SourceRules, 0.1, time.Now().UTC()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := repo.Seed(ctx, suggestion.KnownSources); err != nil {
		t.Fatalf("second Seed: %v", err)
	}

	rows, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != len(suggestion.KnownSources) {
		t.Errorf("expected %d rows, got %d", len(suggestion.KnownSources), len(rows))
	}
	for _, r := range rows {
		if r.Source == suggestion.SourceRules && r.Value != 0.1 {
			t.Errorf("reseeding overwrote rules adjustment: %v", r.Value)
		}
	}
}

func TestAdjuster_EvaluatePersists(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	seedAccepted(t, ctx, suggestion.SourceAIModel, 10)
	adj := newAdjuster(t)

	ev, err := adj.Evaluate(ctx, suggestion.SourceAIModel)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev == nil || ev.EventType != adaptation.EventConfidenceIncrease || ev.NewValue != 0.05 {
		t.Fatalf("unexpected event %+v", ev)
	}

	again, err := adj.Evaluate(ctx, suggestion.SourceAIModel)
	if err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}
	if again != nil {
		t.Errorf("same feedback must not drive a second event, got %+v", again)
	}

	// A fresh replica sees the committed value.
	if v, _ := newAdjuster(t).Adjustment(suggestion.SourceAIModel); v != 0.05 {
		t.Errorf("reloaded adjustment = %v, want 0.05", v)
	}

	history, err := adj.History(ctx, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].ID != ev.ID || history[0].FeedbackCountUsed != 10 {
		t.Errorf("unexpected history %+v", history)
	}
}

func TestAdjuster_FeedbackCommittedAfterEventCounts(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	seedAccepted(t, ctx, suggestion.SourceRules, 10)
	adj := newAdjuster(t)

	first, err := adj.Evaluate(ctx, suggestion.SourceRules)
	if err != nil || first == nil {
		t.Fatalf("first Evaluate = %+v, %v", first, err)
	}
	var claimed int
	if err := globalPool.QueryRow(ctx,
		`SELECT COUNT(*) FROM suggestion_feedback WHERE learning_event_id = $1`, first.ID).Scan(&claimed); err != nil {
		t.Fatalf("count claimed: %v", err)
	}
	if claimed != 10 {
		t.Errorf("event claimed %d rows, want 10", claimed)
	}

	// Stamped before the event, as a slow insert would be.
	repo := feedback.NewRepoPG(globalPool)
	sg := createTestSuggestion(t, ctx, createTestPatient(t, ctx), suggestion.SourceRules, 0.7)
	stamp := first.CreatedAt.Add(-30 * time.Minute)
	for i := 0; i < 10; i++ {
		submitFeedback(t, ctx, repo, sg.ID, feedback.ActionAccept, stamp.Add(time.Duration(i)*time.Second))
	}

	second, err := adj.Evaluate(ctx, suggestion.SourceRules)
	if err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}
	if second == nil || second.FeedbackCountUsed != 10 || second.NewValue != 0.1 {
		t.Fatalf("late feedback not counted, got %+v", second)
	}
}

func TestAdjuster_ConcurrentReplicasProduceOneEvent(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	seedAccepted(t, ctx, suggestion.SourceRules, 12)

	// Separate adjusters share no in-process lock, so only the row lock
	// serializes them.
	replicas := []*adaptation.Adjuster{newAdjuster(t), newAdjuster(t), newAdjuster(t), newAdjuster(t)}

	var wg sync.WaitGroup
	errs := make(chan error, len(replicas))
	for _, a := range replicas {
		wg.Add(1)
		go func(a *adaptation.Adjuster) {
			defer wg.Done()
			if _, err := a.Evaluate(ctx, suggestion.SourceRules); err != nil {
				errs <- err
			}
		}(a)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Evaluate: %v", err)
	}

	if n := countEvents(t, suggestion.SourceRules); n != 1 {
		t.Errorf("expected exactly one learning event, got %d", n)
	}
	cur, err := adaptation.NewRepoPG(globalPool).List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, c := range cur {
		if c.Source == suggestion.SourceRules && c.Value != 0.05 {
			t.Errorf("rules adjustment = %v, want 0.05", c.Value)
		}
	}
}

func TestAdjuster_EvaluateAll(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	seedAccepted(t, ctx, suggestion.SourceDiagnosisHelper, 10)
	adj := newAdjuster(t)

	events, err := adj.EvaluateAll(ctx)
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	if len(events) != 1 || events[0].AffectedSource != suggestion.SourceDiagnosisHelper {
		t.Errorf("unexpected events %+v", events)
	}
	if got := adj.Apply(suggestion.SourceDiagnosisHelper, 0.97); got != 1 {
		t.Errorf("Apply should clamp to 1, got %v", got)
	}
}

func TestAdjuster_StaleReplicaCatchesUpOnEvaluate(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	a := newAdjuster(t)
	b := newAdjuster(t)
	seedAccepted(t, ctx, suggestion.SourceRules, 10)

	if ev, err := a.Evaluate(ctx, suggestion.SourceRules); err != nil || ev == nil {
		t.Fatalf("expected event from replica a, got %v, %v", ev, err)
	}
	if v, _ := b.Adjustment(suggestion.SourceRules); v != 0 {
		t.Fatalf("replica b should still hold its seeded value, got %v", v)
	}

	if ev, err := b.Evaluate(ctx, suggestion.SourceRules); err != nil || ev != nil {
		t.Fatalf("expected no-op on replica b, got %v, %v", ev, err)
	}
	if v, _ := b.Adjustment(suggestion.SourceRules); v != 0.05 {
		t.Errorf("replica b adjustment = %v, want 0.05 after evaluating", v)
	}
}
