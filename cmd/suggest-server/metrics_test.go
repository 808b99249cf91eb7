package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/adaptation"
	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/feedback"
	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/suggestion"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/websocket"
)

type stubSuggestions struct {
	suggestion.Repository
	err error
}

func (s *stubSuggestions) Create(_ context.Context, sg *suggestion.Suggestion) error {
	sg.ID = uuid.New()
	return s.err
}

type stubFeedback struct {
	feedback.Repository
}

func (stubFeedback) Create(_ context.Context, fb *feedback.Feedback) error {
	fb.ID = uuid.New()
	return nil
}

func TestWatchSuggestions(t *testing.T) {
	m := newMetrics(nil, nil)
	hub := websocket.NewHub(zerolog.Nop())
	patientID := uuid.New()
	feed := &websocket.Client{ID: "feed", Topics: []string{websocket.PatientTopic(patientID.String())}, Send: make(chan []byte, 2)}
	hub.Register(feed)

	repo := &stubSuggestions{}
	svc := suggestion.NewService(repo, nil, nil, nil, nil, nil, nil, directTx{}, zerolog.Nop())
	watchSuggestions(svc, m, hub)

	newSuggestion := func() *suggestion.Suggestion {
		return &suggestion.Suggestion{
			PatientID: patientID,
			Type:      suggestion.TypeDiagnosis,
			Source:    suggestion.SourceHybrid,
			Text:      "Consider sepsis workup",
		}
	}
	if err := svc.Create(context.Background(), newSuggestion()); err != nil {
		t.Fatalf("create: %v", err)
	}
	repo.err = errors.New("boom")
	if err := svc.Create(context.Background(), newSuggestion()); err == nil {
		t.Fatal("expected repository error")
	}

	if got := m.Counter(metricSuggestions, "source", suggestion.SourceHybrid); got != 1 {
		t.Errorf("suggestions counted = %d, want 1", got)
	}
	select {
	case msg := <-feed.Send:
		if !strings.Contains(string(msg), `"suggestion.created"`) {
			t.Errorf("unexpected feed message %s", msg)
		}
	default:
		t.Fatal("expected suggestion on the patient feed")
	}
	select {
	case msg := <-feed.Send:
		t.Errorf("failed create must not be published, got %s", msg)
	default:
	}
}

func TestCountingFeedback(t *testing.T) {
	m := newMetrics(nil, nil)
	fbs := countingFeedback{Repository: stubFeedback{}, metrics: m}
	if err := fbs.Create(context.Background(), &feedback.Feedback{Action: feedback.ActionAccept}); err != nil {
		t.Fatalf("create feedback: %v", err)
	}
	if got := m.Counter(metricFeedback, "action", feedback.ActionAccept); got != 1 {
		t.Errorf("feedback counted = %d, want 1", got)
	}
}

// oneRowRepo is an adaptation.Repository holding a single source.
type oneRowRepo struct {
	adaptation.Repository
	value float64
}

func (r *oneRowRepo) Seed(context.Context, []string) error { return nil }

func (r *oneRowRepo) List(context.Context) ([]adaptation.ConfidenceAdjustment, error) {
	return []adaptation.ConfidenceAdjustment{{Source: suggestion.SourceRules, Value: r.value}}, nil
}

func (r *oneRowRepo) GetForUpdate(context.Context, string) (*adaptation.ConfidenceAdjustment, error) {
	return &adaptation.ConfidenceAdjustment{Source: suggestion.SourceRules, Value: r.value}, nil
}

func (r *oneRowRepo) Update(_ context.Context, _ string, v float64, _ time.Time) error {
	r.value = v
	return nil
}

func (r *oneRowRepo) CreateEvent(context.Context, *adaptation.LearningEvent) error { return nil }

type allAccepted struct{}

func (allAccepted) AcceptanceSample(context.Context, string, time.Time) (adaptation.Sample, error) {
	ids := make([]uuid.UUID, 10)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return adaptation.Sample{FeedbackIDs: ids, Accepted: len(ids)}, nil
}

func (allAccepted) MarkCounted(context.Context, uuid.UUID, []uuid.UUID) error { return nil }

type directTx struct{}

func (directTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

func TestWatchLearningEvents(t *testing.T) {
	adj, err := adaptation.NewAdjuster(adaptation.DefaultConfig(), &oneRowRepo{}, allAccepted{}, directTx{},
		[]string{suggestion.SourceRules}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAdjuster: %v", err)
	}
	m := newMetrics(adj, nil)
	hub := websocket.NewHub(zerolog.Nop())
	feed := &websocket.Client{ID: "feed", Topics: []string{websocket.TopicLearningEvents}, Send: make(chan []byte, 1)}
	hub.Register(feed)
	watchLearningEvents(adj, m, hub, nil)

	if _, err := adj.Evaluate(context.Background(), suggestion.SourceRules); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	got := m.Counter(metricLearningEvents, "source", suggestion.SourceRules, "event_type", adaptation.EventConfidenceIncrease)
	if got != 1 {
		t.Errorf("learning events counted = %d, want 1", got)
	}
	select {
	case msg := <-feed.Send:
		if !strings.Contains(string(msg), `"learning_event.created"`) {
			t.Errorf("unexpected feed message %s", msg)
		}
	default:
		t.Error("expected learning event on the live feed")
	}
}
