//go:build integration

package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/suggestion"
)

func TestSuggestionRepo_CreateAndGet(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	patientID := createTestPatient(t, ctx)

	s := createTestSuggestion(t, ctx, patientID, suggestion.SourceVitalRisk, 0.625)
	if s.ID == uuid.Nil {
		t.Fatal("expected ID assigned on create")
	}

	got, err := suggestion.NewRepoPG(globalPool).GetByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Source != suggestion.SourceVitalRisk || got.Confidence == nil || *got.Confidence != 0.625 {
		t.Errorf("unexpected suggestion %+v", got)
	}
	if got.AdjustedConfidence != nil {
		t.Error("adjusted confidence must not be persisted")
	}
}

func TestSuggestionRepo_GetNotFound(t *testing.T) {
	resetTables(t)
	_, err := suggestion.NewRepoPG(globalPool).GetByID(context.Background(), uuid.New())
	if !errors.Is(err, suggestion.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSuggestionRepo_ListByPatient(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	repo := suggestion.NewRepoPG(globalPool)
	patientID := createTestPatient(t, ctx)
	other := createTestPatient(t, ctx)

	base := time.Now().UTC().Add(-time.Hour)
	for i, src := range []string{suggestion.SourceRules, suggestion.SourceAIModel, suggestion.SourceHybrid} {
		conf := 0.5
		s := &suggestion.Suggestion{
			PatientID:   patientID,
			Type:        suggestion.TypeDiagnosis,
			Text:        "Findings may be consistent with anemia; consider review",
			Source:      src,
			Explanation: "lab below reference range",
			Confidence:  &conf,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	createTestSuggestion(t, ctx, other, suggestion.SourceRules, 0.9)

	items, total, err := repo.ListByPatient(ctx, patientID, 2, 0)
	if err != nil {
		t.Fatalf("ListByPatient: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(items) != 2 {
		t.Fatalf("expected page of 2, got %d", len(items))
	}
	for _, it := range items {
		if it.PatientID != patientID {
			t.Errorf("suggestion from another patient: %+v", it)
		}
	}

	rest, _, err := repo.ListByPatient(ctx, patientID, 2, 2)
	if err != nil {
		t.Fatalf("ListByPatient offset: %v", err)
	}
	if len(rest) != 1 {
		t.Errorf("expected 1 remaining, got %d", len(rest))
	}
}
